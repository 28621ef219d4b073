package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v82"
)

const maxChain = 8

// LogFields flattens err into structured log fields: the typed code, the
// unwrap chain, and whatever a postgres driver or the Stripe client attached.
// Empty values are omitted.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	fields := map[string]any{"error": err.Error()}
	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
		if details, ok := typed.Details().(map[string]any); ok {
			if step, ok := details["step"]; ok {
				fields["step"] = step
			}
		}
	}

	chain := make([]string, 0, maxChain)
	for e := err; e != nil && len(chain) < maxChain; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T", e))
	}
	fields["error_chain"] = chain

	var (
		pgxErr    *pgconn.PgError
		pqErr     *pq.Error
		stripeErr *stripe.Error
	)
	switch {
	case errors.As(err, &pgxErr):
		put(fields, "pg_code", pgxErr.Code)
		put(fields, "pg_constraint", pgxErr.ConstraintName)
		put(fields, "pg_table", pgxErr.TableName)
		put(fields, "pg_column", pgxErr.ColumnName)
		put(fields, "pg_detail", pgxErr.Detail)
	case errors.As(err, &pqErr):
		put(fields, "pg_code", string(pqErr.Code))
		put(fields, "pg_constraint", pqErr.Constraint)
		put(fields, "pg_table", pqErr.Table)
		put(fields, "pg_column", pqErr.Column)
		put(fields, "pg_detail", pqErr.Detail)
	}
	if errors.As(err, &stripeErr) {
		put(fields, "stripe_type", string(stripeErr.Type))
		put(fields, "stripe_code", string(stripeErr.Code))
		put(fields, "stripe_decline_code", string(stripeErr.DeclineCode))
		put(fields, "stripe_request_id", stripeErr.RequestID)
	}
	return fields
}

func put(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
