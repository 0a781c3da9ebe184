// Package agent answers host requests on the guest side of the channel.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│  poller.Loop  (reassembled requests)    │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   agent.Dispatcher                      │  ← Request routing
//	│   - Routes by RequestType               │
//	│   - Optional rate limit (not Acks)      │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ GetVersion ─────→ Completed + ProtocolVersion
//	          │
//	          ├──→ IsUserLoggedIn ─→ Completed + IsUserLoggedIn
//	          │
//	          ├──→ Ack ────────────→ delete acknowledged response entries
//	          │
//	          ├──→ Configure ──────→ queue (at most MaxQueue waiting)
//	          │                      - one runs at a time
//	          │                      - Progress responses while running
//	          │                      - TooManyRequests when full
//	          │
//	          └──→ anything else ──→ Error response, non-zero Status
//
// Status requests are answered immediately. Configure requests are queued
// and executed in arrival order by a single worker goroutine.
package agent
