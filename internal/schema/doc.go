// Package schema declares the per-domain conversational field schemas.
// Each domain enumerates exactly the fields the engine may write into
// conversation state, their types, and the terminal routing targets. Schemas
// are pure data, loaded once at startup and immutable for the process
// lifetime.
package schema
