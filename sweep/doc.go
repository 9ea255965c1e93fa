// Package sweep implements the retry sweep over the delivery ledger.
//
// A Sweeper owns the full lifecycle of a delivery attempt: it creates
// ledger records at first send, and its Run method periodically selects
// failed records whose retry schedule has come due, claims each one
// against concurrent sweepers, and re-sends it through the configured
// provider. Outcomes are written back to the ledger exactly as an
// initial attempt would write them, so a record's history reads the
// same whether it succeeded on the first try or the fifth.
//
// A sweep never aborts on a per-record error. Each failure is captured
// into the returned Summary and processing continues with the next
// record; only a failure to list due records fails the run itself.
package sweep
