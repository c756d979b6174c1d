package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
)

// ImportStats summarizes an Import.
type ImportStats struct {
	Snapshots  int
	Concepts   int
	Members    int
	Names     int
}

// Import copies snapshots, with their concepts or value set associations,
// from src into the database in one transaction. Snapshot ids are kept so
// references resolved against src stay valid.
func (s *Store) Import(ctx context.Context, src repository.Repository, snaps []*model.Snapshot) (stats ImportStats, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	im := &importer{store: s, tx: tx}
	if err := im.loadSequences(ctx); err != nil {
		return stats, err
	}

	// code systems first so associations can find their concept rows
	for _, kind := range []model.ArtifactKind{model.KindCodeSystem, model.KindValueSet, model.KindConceptMap} {
		for _, snap := range snaps {
			if snap.Kind != kind {
				continue
			}
			if err := im.snapshot(ctx, snap); err != nil {
				return stats, err
			}
			stats.Snapshots++
			switch snap.Kind {
			case model.KindCodeSystem:
				n, d, err := im.concepts(ctx, src, snap)
				if err != nil {
					return stats, err
				}
				stats.Concepts += n
				stats.Names += d
			case model.KindValueSet:
				n, err := im.members(ctx, src, snap)
				if err != nil {
					return stats, err
				}
				stats.Members += n
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit import: %w", err)
	}
	s.logger.Info("terminology imported",
		zap.Int("snapshots", stats.Snapshots),
		zap.Int("concepts", stats.Concepts),
		zap.Int("members", stats.Members))
	return stats, nil
}

type importer struct {
	store *Store
	tx    *sql.Tx

	nextConcept int64
	nextName    int64
	nextParent  int64
	nextRef     int64
	conceptIDs  map[model.ConceptKey]int64
}

func (im *importer) exec(ctx context.Context, query string, args ...any) error {
	_, err := im.tx.ExecContext(ctx, im.store.rebind(query), args...)
	return err
}

func (im *importer) loadSequences(ctx context.Context) error {
	im.conceptIDs = make(map[model.ConceptKey]int64)
	for _, seq := range []struct {
		table string
		into  *int64
	}{
		{"concepts", &im.nextConcept},
		{"concept_names", &im.nextName},
		{"concept_parents", &im.nextParent},
		{"collection_references", &im.nextRef},
	} {
		if err := im.tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM "+seq.table).Scan(seq.into); err != nil {
			return fmt.Errorf("read %s sequence: %w", seq.table, err)
		}
	}
	return nil
}

func (im *importer) snapshot(ctx context.Context, snap *model.Snapshot) error {
	var compose string
	if len(snap.Compose) > 0 {
		data, err := json.Marshal(snap.Compose)
		if err != nil {
			return fmt.Errorf("encode compose of %s: %w", snap.Ref(), err)
		}
		compose = string(data)
	}
	var lastUpdate any
	if !snap.LastConceptUpdate.IsZero() {
		lastUpdate = snap.LastConceptUpdate
	}
	access := snap.PublicAccess
	if access == "" {
		access = model.AccessView
	}
	owner := snap.Owner.Normalize()

	err := im.exec(ctx, `INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(owner.Kind), owner.ID, string(snap.Kind), snap.Mnemonic, snap.Version, snap.CanonicalURL, snap.Name,
		snap.Description, snap.DefaultLocale, strings.Join(snap.SupportedLocales, ","), snap.Active, snap.Retired, snap.Released, snap.Latest,
		string(access), lastUpdate, snap.Created, compose)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.Ref(), err)
	}
	return nil
}

func (im *importer) concepts(ctx context.Context, src repository.Repository, snap *model.Snapshot) (int, int, error) {
	concepts, err := src.ConceptsOf(ctx, snap.Ref(), repository.All)
	if err != nil {
		return 0, 0, fmt.Errorf("read concepts of %s: %w", snap.Ref(), err)
	}
	names := 0
	for _, c := range concepts {
		var properties, extras string
		if len(c.Properties) > 0 {
			data, err := json.Marshal(c.Properties)
			if err != nil {
				return 0, 0, fmt.Errorf("encode properties of %s: %w", c.Code, err)
			}
			properties = string(data)
		}
		if len(c.Extras) > 0 {
			extras = string(c.Extras)
		}

		im.nextConcept++
		id := im.nextConcept
		err := im.exec(ctx, `INSERT INTO concepts (id, snapshot_id, code, display, display_locale, definition, retired, properties, extras)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, snap.ID, c.Code, c.Display, c.DisplayLocale, c.Definition, c.Retired, properties, extras)
		if err != nil {
			return 0, 0, fmt.Errorf("insert concept %s of %s: %w", c.Code, snap.Ref(), err)
		}
		im.conceptIDs[model.ConceptKey{SnapshotID: snap.ID, Code: c.Code}] = id

		for _, d := range c.Designations {
			im.nextName++
			err := im.exec(ctx, `INSERT INTO concept_names (id, concept_id, locale, name, name_type, locale_preferred)
				VALUES (?, ?, ?, ?, ?, ?)`, im.nextName, id, d.Locale, d.Value, d.Use, d.Preferred)
			if err != nil {
				return 0, 0, fmt.Errorf("insert name of %s: %w", c.Code, err)
			}
			names++
		}
		for _, p := range c.Parents {
			im.nextParent++
			err := im.exec(ctx, `INSERT INTO concept_parents (id, concept_id, snapshot_id, code, parent_code)
				VALUES (?, ?, ?, ?, ?)`, im.nextParent, id, snap.ID, c.Code, p)
			if err != nil {
				return 0, 0, fmt.Errorf("insert parent of %s: %w", c.Code, err)
			}
		}
	}
	return len(concepts), names, nil
}

func (im *importer) members(ctx context.Context, src repository.Repository, snap *model.Snapshot) (int, error) {
	members, err := src.MembersOf(ctx, snap.Ref())
	if err != nil {
		return 0, fmt.Errorf("read members of %s: %w", snap.Ref(), err)
	}
	n := 0
	for _, m := range members {
		id, ok := im.conceptIDs[model.ConceptKey{SnapshotID: m.System.ID, Code: m.Concept.Code}]
		if !ok {
			err := im.tx.QueryRowContext(ctx, im.store.rebind(`SELECT id FROM concepts WHERE snapshot_id = ? AND code = ?`),
				m.System.ID, m.Concept.Code).Scan(&id)
			if err != nil {
				return 0, fmt.Errorf("find member %s of %s: %w", m.Concept.Code, snap.Ref(), err)
			}
		}
		im.nextRef++
		if err := im.exec(ctx, `INSERT INTO collection_references (id, value_set_id, concept_id) VALUES (?, ?, ?)`,
			im.nextRef, snap.ID, id); err != nil {
			return 0, fmt.Errorf("insert member %s of %s: %w", m.Concept.Code, snap.Ref(), err)
		}
		n++
	}
	return n, nil
}
