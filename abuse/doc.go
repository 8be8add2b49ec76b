// Package abuse escalates repeated suspicious events into penalties.
// Patterns are a declarative table of named threshold rules over fixed
// windows; reaching a threshold executes the rule's action, up to
// writing a block (window-long) or ban (24x window) penalty entry.
//
// Penalties are independent of the counters that created them: a
// penalized subject stays rejected even after its counters expire.
package abuse
