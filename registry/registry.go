// Package registry owns user profiles and the unique-handle registry on
// MySQL. Handle claims ride on the unique index: claim-if-free and
// release-old-on-rename are one statement, and a duplicate-key error is the
// "taken" signal.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"duochat/chat"
)

// MaxBatchIDs bounds one getUserInfo lookup.
const MaxBatchIDs = 100

const (
	getUsersSQL     = "SELECT uid, display_name, handle FROM users WHERE uid IN (%s)"
	getByHandleSQL  = "SELECT uid, display_name, handle FROM users WHERE handle = ?"
	lockUserSQL     = "SELECT uid FROM users WHERE uid=? FOR UPDATE"
	insertUserSQL   = "INSERT INTO users (uid, display_name, handle) VALUES (?,?,?)"
	updateHandleSQL = "UPDATE users SET display_name=?, handle=? WHERE uid=?"
)

// UserInfo is the public profile shape returned by batch lookups.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"handle"`
}

// IRegistry is the profile/handle registry consumed by the API layer.
type IRegistry interface {
	GetUsers(ctx context.Context, ids []string) ([]UserInfo, error)
	ClaimHandle(ctx context.Context, uid, displayName, handle string) error
	LookupHandle(ctx context.Context, handle string) (*UserInfo, error)
}

type store struct {
	*sql.DB
}

func New(db *sql.DB) IRegistry {
	return &store{db}
}

// GetUsers returns profiles for 1..MaxBatchIDs ids. Unknown ids are returned
// with empty display name and handle so response positions line up with the
// request.
func (s *store) GetUsers(ctx context.Context, ids []string) ([]UserInfo, error) {
	if len(ids) == 0 {
		return nil, &chat.Error{Code: chat.CodeNoIDsProvided, Reason: "no ids provided"}
	}
	if len(ids) > MaxBatchIDs {
		return nil, &chat.Error{Code: chat.CodeLimitExceeded,
			Reason: fmt.Sprintf("at most %d ids per lookup", MaxBatchIDs)}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.QueryContext(ctx, fmt.Sprintf(getUsersSQL, placeholders), args...)
	if err != nil {
		glog.Errorf("registry: get users query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]UserInfo, len(ids))
	for rows.Next() {
		var u UserInfo
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Handle); err != nil {
			glog.Errorf("registry: get users scan err: %v", err)
			return nil, err
		}
		found[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]UserInfo, len(ids))
	for i, id := range ids {
		if u, ok := found[id]; ok {
			out[i] = u
		} else {
			out[i] = UserInfo{ID: id}
		}
	}
	return out, nil
}

// ClaimHandle claims handle for uid, releasing any handle uid held before in
// the same transaction. Fails with HandleTaken when another account holds it.
func (s *store) ClaimHandle(ctx context.Context, uid, displayName, handle string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the profile row so concurrent renames of the same user
		// serialize; the unique handle index arbitrates between users.
		var got string
		row := tx.QueryRowContext(ctx, lockUserSQL, uid)
		switch err := row.Scan(&got); err {
		case nil:
			_, err := tx.ExecContext(ctx, updateHandleSQL, displayName, handle, uid)
			return claimErr(err, handle)
		case sql.ErrNoRows:
			_, err := tx.ExecContext(ctx, insertUserSQL, uid, displayName, handle)
			return claimErr(err, handle)
		default:
			glog.Errorf("registry: lock user scan err: %v", err)
			return err
		}
	})
}

func claimErr(err error, handle string) error {
	if err == nil {
		return nil
	}
	if isDupKeyError(err) {
		return &chat.Error{Code: chat.CodeHandleTaken,
			Reason: fmt.Sprintf("handle %q is taken", handle)}
	}
	glog.Errorf("registry: claim handle exec err: %v", err)
	return err
}

func (s *store) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("registry: failed to rollback: %v", err2)
		}
		return err
	}
	return tx.Commit()
}

func (s *store) LookupHandle(ctx context.Context, handle string) (*UserInfo, error) {
	var u UserInfo
	row := s.QueryRowContext(ctx, getByHandleSQL, handle)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Handle); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("registry: lookup handle scan err: %v", err)
		return nil, err
	}
	return &u, nil
}

func isDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}
