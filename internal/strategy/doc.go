// Package strategy renders a tenant's chart inside an acquired browser and
// turns it into a capture result. The primary strategy publishes the
// screenshot to the chart provider and keeps the returned share link; the
// fallback returns the raw screenshot for the worker to store. Strategies
// run in order and never touch pool bookkeeping.
package strategy
