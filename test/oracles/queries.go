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

// All lists the booking invariants checked while the stress actors run. Each query returns the
// offending rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_application",
			SQL: `SELECT contract_id, COUNT(*) FROM contract_applications
                  WHERE status = 'accepted'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_no_pending_sibling_after_booking",
			SQL: `SELECT a.id, a.contract_id FROM contract_applications a
                  JOIN contracts c ON c.id = a.contract_id
                  WHERE c.status = 'booked' AND a.status = 'pending'`,
		},
		{
			Name: "O3_booked_contract_points_at_accepted",
			SQL: `SELECT c.id FROM contracts c
                  LEFT JOIN contract_applications a ON a.id = c.booked_application_id
                  WHERE c.status = 'booked' AND (a.id IS NULL OR a.status <> 'accepted')`,
		},
		{
			Name: "O4_fully_signed_iff_both_signed",
			SQL: `SELECT id, status, client_signed, agency_signed FROM agreements
                  WHERE (status = 'fully_signed') <> (client_signed AND agency_signed)`,
		},
		{
			Name: "O5_client_never_first",
			SQL: `SELECT id FROM agreements
                  WHERE client_signed AND (NOT agency_signed OR client_signed_at < agency_signed_at)`,
		},
		{
			Name: "O6_agreement_matches_booking",
			SQL: `SELECT g.id FROM agreements g
                  JOIN contracts c ON c.id = g.contract_id
                  WHERE c.booked_application_id IS DISTINCT FROM g.application_id`,
		},
		{
			Name: "O7_invoice_completed_per_fully_signed",
			SQL: `SELECT g.id FROM agreements g
                  WHERE g.status = 'fully_signed'
                    AND g.updated_at < now() - interval '30 seconds'
                    AND NOT EXISTS (SELECT 1 FROM idempotency i
                                    WHERE i.key = 'invoice:' || g.id::text AND i.status = 'completed')`,
		},
		{
			Name: "O8_booking_produces_agreement",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.status = 'booked'
                    AND c.updated_at < now() - interval '30 seconds'
                    AND NOT EXISTS (SELECT 1 FROM agreements g WHERE g.contract_id = c.id)`,
		},
		{
			Name: "O9_signature_timeline",
			SQL: `SELECT g.id FROM agreements g
                  WHERE (g.client_signed OR g.agency_signed)
                    AND NOT EXISTS (SELECT 1 FROM timeline_events e WHERE e.agreement_id = g.id AND e.type = 'AGREEMENT_SIGNED')`,
		},
		{
			Name: "O10_guard_triggers_present",
			SQL: `SELECT 'missing_guard_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('agreements_guard', 'timeline_events_append_only')) < 2`,
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
