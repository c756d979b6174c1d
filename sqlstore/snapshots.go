package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

const snapshotColumns = `id, owner_kind, owner_id, kind, mnemonic, version, canonical_url, name,
	description, default_locale, supported_locales, active, retired, released, is_latest,
	public_access, last_concept_update, created, compose`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	var (
		s          model.Snapshot
		ownerKind  string
		kind       string
		locales    string
		access     string
		lastUpdate sql.NullTime
		compose    string
	)
	err := row.Scan(&s.ID, &ownerKind, &s.Owner.ID, &kind, &s.Mnemonic, &s.Version, &s.CanonicalURL, &s.Name,
		&s.Description, &s.DefaultLocale, &locales, &s.Active, &s.Retired, &s.Released, &s.Latest,
		&access, &lastUpdate, &s.Created, &compose)
	if err != nil {
		return nil, err
	}
	s.Owner.Kind = model.OwnerKind(ownerKind)
	s.Owner = s.Owner.Normalize()
	s.Kind = model.ArtifactKind(kind)
	s.PublicAccess = model.AccessLevel(access)
	if lastUpdate.Valid {
		s.LastConceptUpdate = lastUpdate.Time
	}
	if locales != "" {
		s.SupportedLocales = strings.Split(locales, ",")
	}
	if compose != "" {
		if err := json.Unmarshal([]byte(compose), &s.Compose); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (s *Store) snapshots(ctx context.Context, what string, query string, args ...any) ([]*model.Snapshot, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.unavailable(err, "%s", what)
	}
	defer rows.Close()

	var out []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, s.unavailable(err, "scan %s", what)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable(err, "%s", what)
	}
	return out, nil
}

// Versions implements repository.SnapshotReader.
func (s *Store) Versions(ctx context.Context, owner model.Owner, kind model.ArtifactKind, mnemonic string) ([]*model.Snapshot, error) {
	owner = owner.Normalize()
	return s.snapshots(ctx, "load versions of "+mnemonic,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE owner_kind = ? AND owner_id = ? AND kind = ? AND mnemonic = ?
		ORDER BY id`,
		string(owner.Kind), owner.ID, string(kind), mnemonic)
}

// FindByCanonical implements repository.SnapshotReader.
func (s *Store) FindByCanonical(ctx context.Context, kind model.ArtifactKind, url string) ([]*model.Snapshot, error) {
	return s.snapshots(ctx, "find "+url,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE kind = ? AND canonical_url = ?
		ORDER BY id`,
		string(kind), url)
}

// SnapshotByID implements repository.SnapshotReader.
func (s *Store) SnapshotByID(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.queryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oclfhir.NotFound("snapshot not found: %d", id)
	}
	if err != nil {
		return nil, s.unavailable(err, "load snapshot %d", id)
	}
	return snap, nil
}
