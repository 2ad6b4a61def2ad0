package processor

import "testing"

func TestIdempotencyKeyDependsOnlyOnTaskIdentity(t *testing.T) {
	uid := "6f1c9d2e-0000-4000-8000-000000000001"

	if got := IdempotencyKey(OpCreateInvoice, uid); got != "ci"+uid {
		t.Errorf("create invoice key = %q", got)
	}
	if got := IdempotencyKey(OpTransfer, uid); got != "po"+uid {
		t.Errorf("transfer key = %q", got)
	}
	if got := InvoiceLineKey(uid, 2); got != "il2"+uid {
		t.Errorf("line key = %q", got)
	}

	// Re-derivation yields the same token; two claims of the same task issue
	// the same external call.
	if IdempotencyKey(OpFinalizeInvoice, uid) != IdempotencyKey(OpFinalizeInvoice, uid) {
		t.Error("key derivation is not deterministic")
	}
}

func TestIdempotencyKeysDistinctPerOperation(t *testing.T) {
	uid := "abc"
	seen := map[string]OpTag{}
	for _, tag := range []OpTag{OpCreateInvoice, OpFinalizeInvoice, OpTransfer, OpBalanceCredit} {
		k := IdempotencyKey(tag, uid)
		if prev, dup := seen[k]; dup {
			t.Fatalf("tags %s and %s collide on %q", prev, tag, k)
		}
		seen[k] = tag
	}
}
