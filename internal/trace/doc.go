// Package trace captures every command and reply exchanged with an
// instrument. Events are CBOR encoded with integer keys so long bench runs
// stay compact; a Reader streams them back with optional filtering.
package trace
