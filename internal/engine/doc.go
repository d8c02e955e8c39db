// Package engine implements the slot-filling conversation turn: it prompts
// the language model with the domain's collection goal and known field
// values, constrains the output to the domain schema, validates what comes
// back, merges the valid fields into conversation state, and decides which
// screen the caller should navigate to.
package engine
