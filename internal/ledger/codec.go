package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

// document is the on-disk shape of the ledger.
type document struct {
	Bulletins []domain.Bulletin `json:"bulletins"`
}

// Load decodes a ledger document. The bulletins keep their stored order.
func Load(data []byte) ([]domain.Bulletin, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if doc.Bulletins == nil {
		doc.Bulletins = []domain.Bulletin{}
	}
	return doc.Bulletins, nil
}

// Persist encodes bulletins as a ledger document.
func Persist(bulletins []domain.Bulletin) ([]byte, error) {
	if bulletins == nil {
		bulletins = []domain.Bulletin{}
	}
	data, err := json.Marshal(document{Bulletins: bulletins})
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return data, nil
}
