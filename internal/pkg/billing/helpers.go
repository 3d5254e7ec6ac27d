package billing

import (
	"errors"
	"strconv"
	"strings"

	"github.com/crewplane/crewplane/app/models"
)

func errorsIsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// normalizeCurrency upper-cases a provider currency code, falling back to
// the account's currency when the payload carries none.
func normalizeCurrency(currency, fallback string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return fallback
	}
	return c
}

func stringMapToJSON(m map[string]string) models.JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := make(models.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func parseUint(s string) uint {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}
