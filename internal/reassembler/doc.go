// Package reassembler rebuilds messages from the parts visible in a channel.
//
// A pass works on a sorted snapshot of keys:
//
//	EnumerateKeys ──► parse ──► group by message id
//	                   │              │
//	             malformed:       first total wins,
//	               ignored        conflicts and duplicate
//	                              indices are logged
//	                                  │
//	                  ┌───────────────┴───────────────┐
//	                  ▼                               ▼
//	             incomplete                       complete
//	          (left untouched)          read 1..total ──► concatenate
//	                                          │                │
//	                                     read failed        delete parts
//	                                   (kept for retry)        │
//	                                                           ▼
//	                                                 message id -> text
//
// Passes share nothing, so a second pass over a drained channel returns an
// empty map and a pass over partial groups changes nothing.
//
// Messages that never complete are handled by the Purger, which ages
// incomplete ids across sweeps and deletes their entries once the retention
// period has passed.
package reassembler
