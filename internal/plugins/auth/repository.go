package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/moment/internal/apperror"
)

// ErrDuplicate is returned (wrapped) when an insert hits a unique key.
var ErrDuplicate = errors.New("duplicate entry")

// mysqlDuplicateEntry is MySQL's ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// UserRepository defines the data access contract for users and their
// credentials. All SQL lives in the concrete implementation -- no SQL
// leaks out.
type UserRepository interface {
	// FindLiveByID returns a non-deleted user. NotFound if absent or deleted.
	FindLiveByID(ctx context.Context, id int64) (*User, error)

	// FindByProviderID returns the user holding providerID, including
	// soft-deleted rows so callers can refuse to resurrect them.
	FindByProviderID(ctx context.Context, providerID string) (*User, error)

	// Create inserts a user and sets its ID. Wraps ErrDuplicate on a
	// unique key violation.
	Create(ctx context.Context, user *User) error

	// CreateWithCredential inserts a user and its credential in one
	// transaction. Wraps ErrDuplicate on a unique key violation.
	CreateWithCredential(ctx context.Context, user *User, cred *Credential) error

	// FindCredential returns the credential for (authID, method).
	FindCredential(ctx context.Context, authID string, method AuthMethod) (*Credential, error)

	// UpdateLastLogin stamps last_login_at on a credential.
	UpdateLastLogin(ctx context.Context, credentialID int64) error

	// CountUsers returns the number of user rows.
	CountUsers(ctx context.Context) (int, error)
}

// userRepository implements UserRepository with hand-written MySQL queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, provider_id, email, name, avatar_url, status,
	is_verified, deleted_at, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID,
		&u.ProviderID,
		&u.Email,
		&u.Name,
		&u.AvatarURL,
		&u.Status,
		&u.IsVerified,
		&u.DeletedAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FindLiveByID retrieves a non-deleted user by primary key.
func (r *userRepository) FindLiveByID(ctx context.Context, id int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM user WHERE id = ? AND deleted_at IS NULL`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

// FindByProviderID retrieves a user by external identity id.
func (r *userRepository) FindByProviderID(ctx context.Context, providerID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM user WHERE provider_id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by provider id: %w", err)
	}
	return user, nil
}

// Create inserts a new user row.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	id, err := insertUser(ctx, r.db, user)
	if err != nil {
		return err
	}
	user.ID = id
	return nil
}

// CreateWithCredential inserts the user and credential atomically. The
// transaction is rolled back on any error.
func (r *userRepository) CreateWithCredential(ctx context.Context, user *User, cred *Credential) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	userID, err := insertUser(ctx, tx, user)
	if err != nil {
		return err
	}

	authData, err := marshalAuthData(cred.AuthData)
	if err != nil {
		return err
	}

	query := `INSERT INTO auth_user (user_id, auth_id, auth_type, credential, auth_data, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query,
		userID,
		cred.AuthID,
		cred.Method,
		cred.Secret,
		authData,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return wrapInsertError("inserting credential", err)
	}
	credID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading credential id: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}

	user.ID = userID
	cred.ID = credID
	cred.UserID = userID
	cred.CreatedAt = user.CreatedAt
	cred.UpdatedAt = user.UpdatedAt
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, user *User) (int64, error) {
	query := `INSERT INTO user (provider_id, email, name, avatar_url, status, is_verified, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.ExecContext(ctx, query,
		user.ProviderID,
		user.Email,
		user.Name,
		user.AvatarURL,
		user.Status,
		user.IsVerified,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return 0, wrapInsertError("inserting user", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading user id: %w", err)
	}
	return id, nil
}

// FindCredential retrieves the credential for an identifier and method.
// Returns apperror.NotFound if none exists.
func (r *userRepository) FindCredential(ctx context.Context, authID string, method AuthMethod) (*Credential, error) {
	query := `SELECT id, user_id, auth_id, auth_type, credential, auth_data,
	                 last_login_at, created_at, updated_at
	          FROM auth_user WHERE auth_id = ? AND auth_type = ?`

	var (
		cred     Credential
		secret   sql.NullString
		authData []byte
	)
	err := r.db.QueryRowContext(ctx, query, authID, method).Scan(
		&cred.ID,
		&cred.UserID,
		&cred.AuthID,
		&cred.Method,
		&secret,
		&authData,
		&cred.LastLoginAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("credential not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	cred.Secret = secret.String
	if len(authData) > 0 {
		if err := json.Unmarshal(authData, &cred.AuthData); err != nil {
			return nil, fmt.Errorf("decoding auth_data: %w", err)
		}
	}
	return &cred, nil
}

// UpdateLastLogin sets last_login_at to now for the given credential.
func (r *userRepository) UpdateLastLogin(ctx context.Context, credentialID int64) error {
	query := `UPDATE auth_user SET last_login_at = UTC_TIMESTAMP() WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, credentialID); err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// CountUsers returns the total number of user rows.
func (r *userRepository) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// marshalAuthData encodes the optional JSON payload; nil stays SQL NULL.
func marshalAuthData(data map[string]any) (any, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding auth_data: %w", err)
	}
	return string(b), nil
}

// wrapInsertError tags unique key violations with ErrDuplicate.
func wrapInsertError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%s: %w: %v", op, ErrDuplicate, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
