// Package reliability guards calls to dependencies that fail slowly. The
// circuit breaker stops calling a dependency after repeated failures and
// probes it again once the open timeout has passed.
package reliability
