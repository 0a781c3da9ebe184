// Package chunk turns a serialized message into independently addressable
// parts and back.
//
// The KVP channel caps every value at a couple of kilobytes and offers no
// ordering between entries, so each part carries its position in its key:
//
//	DevSetup{3f2c...}~2~4
//	└──────┬───────┘ │ │
//	   message id    │ └─ total parts (constant per message)
//	                 └─── part index (1-based)
//
// Key is the structured form of that string. ParseKey and Key.String are
// the only places that know the separator layout.
//
// Split produces parts of at most maxChunkSize runes; Join restores the
// text from a complete set in any arrival order. A message that fits in a
// single part is still written as ~1~1.
package chunk
