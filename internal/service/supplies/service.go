// Package supplies serves the recommended-supplies list shown to members.
package supplies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
)

var errEmptySupply = errors.New("supply_list is required")

// seedFile is the YAML layout accepted by ParseSeed.
type seedFile struct {
	Supplies []domain.Supply `yaml:"supplies"`
}

// Service lists and seeds recommended supplies.
type Service struct {
	repo   repository.SupplyRepository
	logger *slog.Logger
}

// New returns a supplies service.
func New(repo repository.SupplyRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// List returns supplies ordered by name.
func (s Service) List(ctx context.Context) ([]domain.Supply, error) {
	return s.repo.ListSupplies(ctx)
}

// Seed upserts each supply and returns how many were written.
func (s Service) Seed(ctx context.Context, supplies []domain.Supply) (int, error) {
	written := 0
	for i := range supplies {
		if err := s.repo.UpsertSupply(ctx, &supplies[i]); err != nil {
			return written, fmt.Errorf("upsert supply %q: %w", supplies[i].SupplyList, err)
		}
		written++
	}
	s.logger.Info("supplies seeded", "count", written)
	return written, nil
}

// ParseSeed reads a YAML document of the form:
//
//	supplies:
//	  - supply_list: Poly mailers
//	    purchase_link: https://example.com/mailers
//
// Entries without an id get a stable one derived from their name, so reseeding
// the same file updates rows instead of duplicating them.
func ParseSeed(r io.Reader) ([]domain.Supply, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	out := make([]domain.Supply, 0, len(file.Supplies))
	for i, supply := range file.Supplies {
		supply.SupplyList = strings.TrimSpace(supply.SupplyList)
		supply.PurchaseLink = strings.TrimSpace(supply.PurchaseLink)
		if supply.SupplyList == "" {
			return nil, fmt.Errorf("entry %d: %w", i+1, errEmptySupply)
		}
		if strings.TrimSpace(supply.ID) == "" {
			supply.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("supply:"+strings.ToLower(supply.SupplyList))).String()
		}
		out = append(out, supply)
	}
	return out, nil
}
