package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertProfile inserts or replaces profile display data.
func (tx *Tx) UpsertProfile(p *Profile) error {
	_, err := tx.Exec(`
		INSERT INTO profiles (id, name, nickname, pic_url, pic_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			nickname = excluded.nickname,
			pic_url = excluded.pic_url,
			pic_key = excluded.pic_key,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Nickname, p.PicURL, p.PicKey, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", p.ID, err)
	}
	return nil
}

// GetProfile returns a profile by id, or nil if unknown.
func (tx *Tx) GetProfile(id string) (*Profile, error) {
	var p Profile
	err := tx.QueryRow(`SELECT id, name, nickname, pic_url, pic_key FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Nickname, &p.PicURL, &p.PicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertContact inserts or replaces a contact.
func (tx *Tx) UpsertContact(c *Contact) error {
	_, err := tx.Exec(`
		INSERT INTO contacts (id, is_approved, is_approved_me, is_blocked, outgoing_request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_approved = excluded.is_approved,
			is_approved_me = excluded.is_approved_me,
			is_blocked = excluded.is_blocked,
			outgoing_request = excluded.outgoing_request,
			created_at = CASE WHEN contacts.created_at != 0 THEN contacts.created_at ELSE excluded.created_at END,
			updated_at = excluded.updated_at`,
		c.ID, boolInt(c.IsApproved), boolInt(c.IsApprovedMe), boolInt(c.IsBlocked), boolInt(c.OutgoingRequest),
		c.CreatedAt, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert contact %q: %w", c.ID, err)
	}
	return nil
}

// GetContact returns a contact by id, or nil if unknown.
func (tx *Tx) GetContact(id string) (*Contact, error) {
	var c Contact
	err := tx.QueryRow(`
		SELECT id, is_approved, is_approved_me, is_blocked, outgoing_request, created_at
		FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.IsApproved, &c.IsApprovedMe, &c.IsBlocked, &c.OutgoingRequest, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Contacts returns every contact ordered by id.
func (tx *Tx) Contacts() ([]Contact, error) {
	rows, err := tx.Query(`
		SELECT id, is_approved, is_approved_me, is_blocked, outgoing_request, created_at
		FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.IsApproved, &c.IsApprovedMe, &c.IsBlocked, &c.OutgoingRequest, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact row.
func (tx *Tx) DeleteContact(id string) error {
	_, err := tx.Exec(`DELETE FROM contacts WHERE id = ?`, id)
	return err
}
