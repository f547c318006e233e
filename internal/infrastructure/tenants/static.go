// Package tenants resolves tenant tax ids. The static directory is fed from
// configuration; a real tenant service can replace it behind the same port.
package tenants

import (
	"context"
	"fmt"
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

type StaticDirectory struct {
	taxIDs map[string]string
}

// NewStaticDirectory parses "tenant-a:5260250995,tenant-b:1234563218".
func NewStaticDirectory(spec string) (*StaticDirectory, error) {
	taxIDs := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenantID, taxID, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed tenant mapping: %q", pair)
		}
		if err := domain.ValidateNIP(taxID); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		taxIDs[strings.TrimSpace(tenantID)] = domain.NormalizeNIP(taxID)
	}
	return &StaticDirectory{taxIDs: taxIDs}, nil
}

func (d *StaticDirectory) TaxID(_ context.Context, tenantID string) (string, error) {
	taxID, ok := d.taxIDs[tenantID]
	if !ok {
		return "", domain.WrapError(domain.ErrNotFound, "resolve tenant tax id",
			fmt.Errorf("tenant %s", tenantID))
	}
	return taxID, nil
}
