// Package envelope models the messages exchanged between host and guest.
//
// An envelope is identified by a request id of the form Prefix{GUID} and
// serializes to a single line of canonical JSON:
//
//	{"Version":1,"RequestId":"DevSetup{...}","RequestType":"Configure",
//	 "Timestamp":"2024-05-01T10:00:00.123456789Z","Configure":"..."}
//
// The four header members always come first, in that order. Other members
// follow sorted by name. Free-form text such as a YAML document is carried
// as a JSON string, so line breaks appear only as \n escapes and the text
// is safe to slice into channel values.
//
// Responses reuse the request id and add ResponseType and Status.
// Progress responses are written under <RequestId>_Progress_<n>.
package envelope
