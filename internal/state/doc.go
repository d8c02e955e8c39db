// Package state owns the per-domain conversation state: the accumulated slot
// values and the last assistant response, surviving navigation between
// screens until explicitly reset. All mutation goes through Merge and Reset;
// neither the engine nor the HTTP layer touches the maps directly.
package state
