package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertJoinedGroup records membership of a group. Info fields other than
// the name are left to SetGroupInfo; the name only fills an empty one.
func (tx *Tx) UpsertJoinedGroup(g *ClosedGroup) error {
	_, err := tx.Exec(`
		INSERT INTO closed_groups (id, name, joined_at, invited, kicked, secret_key, auth_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN closed_groups.name = '' THEN excluded.name ELSE closed_groups.name END,
			joined_at = excluded.joined_at,
			invited = excluded.invited,
			kicked = excluded.kicked,
			secret_key = excluded.secret_key,
			auth_data = excluded.auth_data,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, g.JoinedAt, boolInt(g.Invited), boolInt(g.Kicked), g.SecretKey, g.AuthData,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert group %q: %w", g.ID, err)
	}
	return nil
}

// SetGroupInfo updates the shared description of a joined group.
func (tx *Tx) SetGroupInfo(g *ClosedGroup) error {
	_, err := tx.Exec(`
		UPDATE closed_groups SET
			name = CASE WHEN ? = '' THEN name ELSE ? END,
			description = ?, pic_url = ?, pic_key = ?, expiry_seconds = ?, created_at = ?,
			destroyed = ?, delete_before = ?, delete_attachments_before = ?, updated_at = ?
		WHERE id = ?`,
		g.Name, g.Name, g.Description, g.PicURL, g.PicKey, g.ExpirySeconds, g.CreatedAt,
		boolInt(g.Destroyed), g.DeleteBefore, g.DeleteAttachmentsBefore, time.Now().UnixMilli(), g.ID)
	if err != nil {
		return fmt.Errorf("set group info %q: %w", g.ID, err)
	}
	return nil
}

const groupColumns = `id, name, description, pic_url, pic_key, expiry_seconds, created_at, joined_at,
	invited, kicked, destroyed, secret_key, auth_data, delete_before, delete_attachments_before`

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(s scanner) (*ClosedGroup, error) {
	var g ClosedGroup
	err := s.Scan(&g.ID, &g.Name, &g.Description, &g.PicURL, &g.PicKey, &g.ExpirySeconds, &g.CreatedAt,
		&g.JoinedAt, &g.Invited, &g.Kicked, &g.Destroyed, &g.SecretKey, &g.AuthData, &g.DeleteBefore,
		&g.DeleteAttachmentsBefore)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGroup returns a group by id, or nil if unknown.
func (tx *Tx) GetGroup(id string) (*ClosedGroup, error) {
	g, err := scanGroup(tx.QueryRow(`SELECT `+groupColumns+` FROM closed_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// Groups returns every closed group ordered by id.
func (tx *Tx) Groups() ([]ClosedGroup, error) {
	rows, err := tx.Query(`SELECT ` + groupColumns + ` FROM closed_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ClosedGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// DeleteGroup removes a group with its members and thread.
func (tx *Tx) DeleteGroup(id string) error {
	for _, q := range []string{
		`DELETE FROM group_members WHERE group_id = ?`,
		`DELETE FROM threads WHERE id = ?`,
		`DELETE FROM closed_groups WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete group %q: %w", id, err)
		}
	}
	return nil
}

// UpsertGroupMember inserts or replaces a member row.
func (tx *Tx) UpsertGroupMember(m *GroupMember) error {
	_, err := tx.Exec(`
		INSERT INTO group_members (group_id, profile_id, role, role_status, is_hidden)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, profile_id) DO UPDATE SET
			role = excluded.role,
			role_status = excluded.role_status,
			is_hidden = excluded.is_hidden`,
		m.GroupID, m.ProfileID, m.Role, m.RoleStatus, boolInt(m.IsHidden))
	if err != nil {
		return fmt.Errorf("upsert member %q of %q: %w", m.ProfileID, m.GroupID, err)
	}
	return nil
}

// GroupMembers returns the members of a group ordered by profile id.
func (tx *Tx) GroupMembers(groupID string) ([]GroupMember, error) {
	rows, err := tx.Query(`
		SELECT group_id, profile_id, role, role_status, is_hidden
		FROM group_members WHERE group_id = ? ORDER BY profile_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.ProfileID, &m.Role, &m.RoleStatus, &m.IsHidden); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteGroupMember removes one member row.
func (tx *Tx) DeleteGroupMember(groupID, profileID string) error {
	_, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ? AND profile_id = ?`, groupID, profileID)
	return err
}

// UpsertCommunity inserts or replaces a community.
func (tx *Tx) UpsertCommunity(c *Community) error {
	_, err := tx.Exec(`
		INSERT INTO communities (key, base_url, room, pub_key, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			base_url = excluded.base_url,
			room = excluded.room,
			pub_key = excluded.pub_key,
			updated_at = excluded.updated_at`,
		c.Key, c.BaseURL, c.Room, c.PubKey, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert community %q: %w", c.Key, err)
	}
	return nil
}

// Communities returns every community ordered by key.
func (tx *Tx) Communities() ([]Community, error) {
	rows, err := tx.Query(`SELECT key, base_url, room, pub_key FROM communities ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Community
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.Key, &c.BaseURL, &c.Room, &c.PubKey); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCommunity removes a community and its thread.
func (tx *Tx) DeleteCommunity(key string) error {
	if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, key); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM communities WHERE key = ?`, key)
	return err
}
