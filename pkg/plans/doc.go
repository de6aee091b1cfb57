// Package plans manages the subscription plan catalog.
//
// A Plan is the leaf pricing/feature descriptor of the billing core: it has
// no dependencies, a free/paid classification derived from its prices, and a
// deterministic identifier on the payment gateway. The Postgres store keeps
// a small in-process LRU read cache, which is safe because plans only change
// through administrative correction (the cache is dropped on every write).
package plans
