package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// A money-movement task must always reference a live entity row.
			Name: "O1_task_entity_linkage",
			SQL: `SELECT t.task_type, t.key FROM tasks t
                  WHERE (t.task_type = 'payment' AND NOT EXISTS
                            (SELECT 1 FROM payments p WHERE p.statement_id = t.key))
                     OR (t.task_type = 'invoice_payment' AND NOT EXISTS
                            (SELECT 1 FROM payments p WHERE p.statement_id = t.key))
                     OR (t.task_type = 'payout' AND NOT EXISTS
                            (SELECT 1 FROM payouts p WHERE p.statement_id = t.key))`,
		},
		{
			// A non-zero DEBIT statement always has its payment; CREDIT its
			// payout. Both are written in the ingest transaction.
			Name: "O2_statement_projection",
			SQL: `SELECT s.statement_id FROM transaction_statements s
                  WHERE s.total_amount > 0
                    AND ((s.total_amount_type = 'DEBIT' AND NOT EXISTS
                             (SELECT 1 FROM payments p WHERE p.statement_id = s.statement_id))
                      OR (s.total_amount_type = 'CREDIT' AND NOT EXISTS
                             (SELECT 1 FROM payouts p WHERE p.statement_id = s.statement_id)))`,
		},
		{
			// Settled or mid-flight states carry the processor reference that
			// produced them.
			Name: "O3_settlement_reference",
			SQL: `SELECT statement_id, state FROM payments
                  WHERE state IN ('WAITING_FOR_INVOICE_PAYMENT','PAYING_INVOICE','PAID','FAILED_WITH_INVOICE')
                    AND processor_invoice_id IS NULL
                  UNION ALL
                  SELECT statement_id, state FROM payouts
                  WHERE state = 'PAID' AND processor_transfer_id IS NULL`,
		},
		{
			Name: "O4_profile_version_positive",
			SQL:  `SELECT account_id, version FROM billing_profiles WHERE version < 1`,
		},
		{
			// A claim only ever moves eligibility forward and counts up.
			Name: "O5_task_claim_sanity",
			SQL: `SELECT task_type, key FROM tasks
                  WHERE retry_count < 0 OR eligible_time_ms < created_time_ms`,
		},
		{
			// States never leave the machine's vocabulary.
			Name: "O6_state_vocabulary",
			SQL: `SELECT statement_id, state FROM payments
                  WHERE state NOT IN ('PROCESSING','CREATING_INVOICE','WAITING_FOR_INVOICE_PAYMENT',
                                      'PAYING_INVOICE','PAID','FAILED_WITHOUT_INVOICE','FAILED_WITH_INVOICE')
                  UNION ALL
                  SELECT statement_id, state FROM payouts
                  WHERE state NOT IN ('PROCESSING','PAID','DISABLED')
                  UNION ALL
                  SELECT account_id, state FROM billing_profiles
                  WHERE state NOT IN ('HEALTHY','SUSPENDED')`,
		},
		{
			// At most one sync task per account, pinned by the primary key;
			// its version may never exceed the profile's.
			Name: "O7_sync_version_bound",
			SQL: `SELECT t.key, t.version FROM tasks t
                  JOIN billing_profiles b ON b.account_id = t.key
                  WHERE t.task_type = 'profile_sync' AND t.version > b.version`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
