// Package httpmw holds the net/http middleware used by the ops listener:
// panic recovery, request IDs, access logging and trace annotation.
package httpmw
