package main

import (
	"fmt"
	"net/http"
)

func handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprint(w, openAPISpec)
}

const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Wallet Identity API",
    "description": "Wallet identity reconciliation, passport verification, and trust scoring for the TrustTrail platform. Connects EIP-1193 wallet providers, classifies addresses against the platform account store, drives window-based passport verification, and serves trust scores with level multipliers.",
    "version": "1.0.0"
  },
  "tags": [
    {"name": "Wallet", "description": "Provider enumeration, connect, resolve, disconnect"},
    {"name": "Auth", "description": "Wallet-based platform sign-in"},
    {"name": "Passport", "description": "External passport score verification"},
    {"name": "Trust", "description": "Trust scores, levels, and engagement actions"},
    {"name": "Real-Time", "description": "WebSocket wallet bridge and score streaming"},
    {"name": "Infrastructure", "description": "Health and service statistics"}
  ],
  "paths": {
    "/providers": {
      "get": {
        "tags": ["Wallet"],
        "operationId": "listProviders",
        "summary": "List registered wallet providers",
        "responses": {"200": {"description": "Provider metadata with the current preference"}}
      },
      "post": {
        "tags": ["Wallet"],
        "operationId": "setPreferredProvider",
        "summary": "Record an explicit provider choice",
        "responses": {
          "200": {"description": "Preference recorded"},
          "404": {"description": "Provider not registered"}
        }
      }
    },
    "/connect": {
      "post": {
        "tags": ["Wallet"],
        "operationId": "connectWallet",
        "summary": "Connect a wallet and resolve its identity",
        "description": "Requests account access from the named (or primary) provider, classifies the active chain, and resolves the first reported address to new, existing, or linked_to_session.",
        "responses": {
          "200": {"description": "Session plus resolution state"},
          "403": {"description": "User rejected the connection prompt"},
          "404": {"description": "No provider available"},
          "412": {"description": "Unsupported network"},
          "429": {"description": "Rate limited"},
          "502": {"description": "Account store unreachable"}
        }
      }
    },
    "/resolve": {
      "post": {
        "tags": ["Wallet"],
        "operationId": "resolveAddress",
        "summary": "Classify a wallet address",
        "description": "Returns new (offer sign-up), existing (offer sign-in), or linked_to_session. Lookups are cached briefly and rate limited per (operation, address).",
        "responses": {
          "200": {"description": "Resolution state"},
          "400": {"description": "Malformed address"},
          "409": {"description": "Address already linked to a different account"},
          "429": {"description": "Rate limited"}
        }
      }
    },
    "/disconnect": {
      "post": {
        "tags": ["Wallet"],
        "operationId": "disconnectWallet",
        "summary": "Explicit wallet disconnect",
        "description": "Destroys the wallet session and records the explicit-disconnect flag so the next visit does not auto-reconnect.",
        "responses": {"200": {"description": "Disconnected"}}
      }
    },
    "/auth/wallet": {
      "post": {
        "tags": ["Auth"],
        "operationId": "authWallet",
        "summary": "Exchange a resolved wallet for a platform session",
        "description": "Requires a prior resolution of existing or linked_to_session. On any backend failure the resolver rolls back to unconnected. Responses disclose ownership_basis: provider_reported.",
        "responses": {
          "200": {"description": "Access and refresh tokens"},
          "404": {"description": "No account for this wallet (sign-up needed)"},
          "429": {"description": "Rate limited"},
          "502": {"description": "Auth backend failure"}
        }
      }
    },
    "/passport/verify": {
      "post": {
        "tags": ["Passport"],
        "operationId": "startPassportVerification",
        "summary": "Start passport verification for an address",
        "description": "Fast-paths to verified when a positive score already exists. Otherwise opens the verification window and polls the provider; a zero score is a valid final outcome.",
        "responses": {
          "200": {"description": "Verification status"},
          "400": {"description": "Malformed address"},
          "409": {"description": "Verification window blocked"}
        }
      }
    },
    "/passport/score": {
      "get": {
        "tags": ["Passport"],
        "operationId": "getPassportScore",
        "summary": "Persisted passport score for an address",
        "parameters": [
          {"name": "address", "in": "query", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "Stored record, staleness, and job state"}}
      }
    },
    "/passport/cancel": {
      "post": {
        "tags": ["Passport"],
        "operationId": "cancelPassportVerification",
        "summary": "Cancel an in-flight verification without persisting",
        "responses": {"200": {"description": "Whether a job was cancelled"}}
      }
    },
    "/passport/window-closed": {
      "post": {
        "tags": ["Passport"],
        "operationId": "reportWindowClosed",
        "summary": "Report that the user closed the verification window",
        "responses": {"200": {"description": "Whether a running job acknowledged the closure"}}
      }
    },
    "/trust": {
      "get": {
        "tags": ["Trust"],
        "operationId": "getTrustScore",
        "summary": "Trust score, level, multiplier, and passport composite",
        "parameters": [
          {"name": "account", "in": "query", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "Trust record with composite score"}}
      }
    },
    "/trust/action": {
      "post": {
        "tags": ["Trust"],
        "operationId": "reportTrustAction",
        "summary": "Report an engagement action",
        "description": "Actions: upvote, downvote, comment, engagement, share, review_quality, community_feedback, day_active.",
        "responses": {
          "200": {"description": "Recomputed trust record"},
          "400": {"description": "Unknown action"}
        }
      }
    },
    "/ws/wallet": {
      "get": {
        "tags": ["Real-Time"],
        "operationId": "walletBridge",
        "summary": "WebSocket wallet provider bridge",
        "description": "A connecting bridge sends a hello frame, answers request frames, and pushes accountsChanged/chainChanged events."
      }
    },
    "/ws/scores": {
      "get": {
        "tags": ["Real-Time"],
        "operationId": "scoreStream",
        "summary": "WebSocket passport and trust score stream",
        "description": "Subscribe by wallet address or account id; updates are pushed as scores land."
      }
    },
    "/health": {
      "get": {
        "tags": ["Infrastructure"],
        "operationId": "health",
        "summary": "Service health",
        "responses": {"200": {"description": "Status, provider count, resolution state, uptime"}}
      }
    },
    "/stats": {
      "get": {
        "tags": ["Infrastructure"],
        "operationId": "stats",
        "summary": "Service statistics",
        "responses": {"200": {"description": "Resolver snapshot, job counts, stream clients"}}
      }
    }
  }
}`
