package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/isometry/dirsync/internal/changes"
)

// GUIDMap remembers the last DN seen for each AD objectGUID, which is how
// moves are told apart from modifications. It implements changes.GUIDStore.
type GUIDMap struct {
	s *Store
}

var _ changes.GUIDStore = (*GUIDMap)(nil)

func guidKey(guid string) string {
	return strings.ToLower(strings.TrimSpace(guid))
}

// LookupGUID returns the stored DN, or "" when the GUID is unknown.
func (m *GUIDMap) LookupGUID(ctx context.Context, guid string) (string, error) {
	var dn string
	err := m.s.db.GetContext(ctx, &dn, "SELECT dn FROM guid_map WHERE guid = ?", guidKey(guid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read GUID %s: %w", guid, err)
	}
	return dn, nil
}

func (m *GUIDMap) RememberGUID(ctx context.Context, guid, dn string) error {
	_, err := m.s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO guid_map (guid, dn) VALUES (?, ?)", guidKey(guid), dn)
	if err != nil {
		return fmt.Errorf("failed to store GUID %s: %w", guid, err)
	}
	return nil
}

func (m *GUIDMap) ForgetGUID(ctx context.Context, guid string) error {
	_, err := m.s.db.ExecContext(ctx, "DELETE FROM guid_map WHERE guid = ?", guidKey(guid))
	if err != nil {
		return fmt.Errorf("failed to delete GUID %s: %w", guid, err)
	}
	return nil
}

// DNMap pairs the DN of an object on the LDAP side with its partner on the
// AD side. Pairs are recorded when the daemon creates or renames an object
// and take precedence over position mapping.
type DNMap struct {
	s *Store
}

// Pair records ldapDN and adDN as partners, replacing any pair either was
// part of.
func (m *DNMap) Pair(ctx context.Context, ldapDN, adDN string) error {
	ldapKey, adKey := NormalizeIdentity(ldapDN), NormalizeIdentity(adDN)

	tx, err := m.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin DN map transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM dn_map WHERE ldap_key = ? OR ad_key = ?", ldapKey, adKey); err != nil {
		return fmt.Errorf("failed to replace DN pair: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO dn_map (ldap_key, ldap_dn, ad_key, ad_dn) VALUES (?, ?, ?, ?)",
		ldapKey, ldapDN, adKey, adDN); err != nil {
		return fmt.Errorf("failed to store DN pair: %w", err)
	}
	return tx.Commit()
}

// Partner returns the DN paired with dn on the other side, or "".
func (m *DNMap) Partner(ctx context.Context, side changes.Side, dn string) (string, error) {
	query := "SELECT ad_dn FROM dn_map WHERE ldap_key = ?"
	if side == changes.SideAD {
		query = "SELECT ldap_dn FROM dn_map WHERE ad_key = ?"
	}

	var partner string
	err := m.s.db.GetContext(ctx, &partner, query, NormalizeIdentity(dn))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read DN pair for %s: %w", dn, err)
	}
	return partner, nil
}

// Forget removes the pair that dn on side belongs to.
func (m *DNMap) Forget(ctx context.Context, side changes.Side, dn string) error {
	column := "ldap_key"
	if side == changes.SideAD {
		column = "ad_key"
	}
	_, err := m.s.db.ExecContext(ctx, "DELETE FROM dn_map WHERE "+column+" = ?", NormalizeIdentity(dn))
	if err != nil {
		return fmt.Errorf("failed to delete DN pair for %s: %w", dn, err)
	}
	return nil
}
