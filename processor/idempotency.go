package processor

import "fmt"

// OpTag prefixes an idempotency key with the operation it guards.
type OpTag string

const (
	OpCreateInvoice   OpTag = "ci"
	OpInvoiceLine     OpTag = "il"
	OpFinalizeInvoice OpTag = "fi"
	OpTransfer        OpTag = "po"
	OpBalanceCredit   OpTag = "bc"
)

// IdempotencyKey derives the token for one external operation from task
// identity alone. It must not depend on wall-clock time or attempt number:
// that is what makes re-issuing the call after a crash safe.
func IdempotencyKey(tag OpTag, taskUID string) string {
	return string(tag) + taskUID
}

// InvoiceLineKey derives the token for the idx-th invoice line of a task.
func InvoiceLineKey(taskUID string, idx int) string {
	return fmt.Sprintf("%s%d%s", OpInvoiceLine, idx, taskUID)
}
