package shared

import "fmt"

// BillingRunLockKey builds redis keys guarding a billing run for one period.
func BillingRunLockKey(year, month int) string {
	return fmt.Sprintf("billing:period:%04d-%02d:lock", year, month)
}
