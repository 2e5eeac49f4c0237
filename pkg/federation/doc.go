// Package federation tracks the configuration sources that trusted
// instances declare for their federation partners. Entries are harvested
// from verified private parameters and replaced wholesale each time an
// instance's parameters are verified again.
package federation
