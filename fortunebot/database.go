package fortunebot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	scanBatchSize   = 100
	defaultPageSize = 50
	maxPageSize     = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second

	ErrUserNotFound = errors.New("user not found")

	// ErrUnchanged may be returned by an update function passed to
	// UserStore.Update, to discard the transaction without error.
	ErrUnchanged = errors.New("record unchanged")
)

// UserStore is the record store consumed by the dispenser, the meta
// record initialization and the API.
type UserStore interface {
	// Scan calls fn for every record, in ID order. Returning an error
	// from fn stops the scan.
	Scan(ctx context.Context, fn func(User) error) error

	// Insert creates a new record, returning its generated ID
	Insert(ctx context.Context, u *User) (uint, error)

	// Get returns the record with the given ID, or ErrUserNotFound
	Get(ctx context.Context, id uint) (*User, error)

	// FindByUserID returns the record with the given Discord user ID,
	// or ErrUserNotFound
	FindByUserID(ctx context.Context, userID string) (*User, error)

	// GetOrCreate returns the record for userID, creating it with
	// the given names if it doesn't exist yet
	GetOrCreate(
		ctx context.Context,
		userID string,
		username string,
		globalName string,
	) (u *User, created bool, err error)

	// Update reads the record with the given ID, passes it to fn,
	// and saves it, all within one transaction. If fn returns
	// ErrUnchanged, nothing is written and no error is returned.
	Update(ctx context.Context, id uint, fn func(*User) error) (*User, error)

	// List returns a page of records, along with the total number of
	// records matching opts
	List(ctx context.Context, opts ListOptions) ([]User, int64, error)

	Close() error
}

// ListOptions controls pagination for UserStore.List
type ListOptions struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
	Order  string `form:"order" binding:"omitempty,oneof=asc desc"`

	// IncludeMeta includes the meta record in results
	IncludeMeta bool `form:"include_meta"`
}

// database implements UserStore on top of GORM.
//
// SQLite only allows a single writer, so unless enableConcurrentWrites
// is set, writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a UserStore backed by db. Concurrent writes are
// enabled for PostgreSQL only.
func NewDatabase(db *gorm.DB, log *slog.Logger) UserStore {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: db.Dialector.Name() == dbTypePostgres,
	}
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout if ctx doesn't already have
// a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Scan(ctx context.Context, fn func(User) error) error {
	var batch []User
	var fnErr error
	rv := d.db.WithContext(ctx).FindInBatches(
		&batch,
		scanBatchSize,
		func(_ *gorm.DB, _ int) error {
			for _, u := range batch {
				if err := ctx.Err(); err != nil {
					fnErr = err
					return err
				}
				if err := fn(u); err != nil {
					fnErr = err
					return err
				}
			}
			return nil
		},
	)
	if fnErr != nil {
		return fnErr
	}
	return rv.Error
}

func (d *database) Insert(ctx context.Context, u *User) (uint, error) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if u.Drawn == nil {
		u.Drawn = DrawnSet{}
	}
	if err := d.db.WithContext(ctx).Create(u).Error; err != nil {
		return 0, fmt.Errorf("error inserting user %q: %w", u.UserID, err)
	}
	d.logger.DebugContext(ctx, "inserted user", "user", u)
	return u.ID, nil
}

func (d *database) Get(ctx context.Context, id uint) (*User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u User
	if err := d.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *database) FindByUserID(ctx context.Context, userID string) (
	*User,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return findByUserID(d.db.WithContext(ctx), userID)
}

func findByUserID(db *gorm.DB, userID string) (*User, error) {
	var u User
	err := db.Where(fmt.Sprintf("%s = ?", columnUserUserID), userID).
		Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *database) GetOrCreate(
	ctx context.Context,
	userID string,
	username string,
	globalName string,
) (*User, bool, error) {
	u, err := d.FindByUserID(ctx, userID)
	switch {
	case err == nil:
		return u, false, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, err
	}

	u = &User{
		UserID:     userID,
		Username:   username,
		GlobalName: globalName,
		Drawn:      DrawnSet{},
	}
	if _, err = d.Insert(ctx, u); err != nil {
		// another writer may have created it in the meantime
		existing, findErr := d.FindByUserID(ctx, userID)
		if findErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	d.logger.InfoContext(ctx, "created user", "user", u)
	return u, true, nil
}

func (d *database) Update(
	ctx context.Context,
	id uint,
	fn func(*User) error,
) (*User, error) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u User
	err := d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			q := tx
			if tx.Dialector.Name() == dbTypePostgres {
				q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			if err := q.First(&u, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrUserNotFound
				}
				return err
			}
			if err := fn(&u); err != nil {
				return err
			}
			return tx.Save(&u).Error
		},
	)
	switch {
	case err == nil:
		return &u, nil
	case errors.Is(err, ErrUnchanged):
		return &u, nil
	default:
		return nil, err
	}
}

func (d *database) List(ctx context.Context, opts ListOptions) (
	[]User,
	int64,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	order := "id asc"
	if opts.Order == "desc" {
		order = "id desc"
	}

	query := func() *gorm.DB {
		q := d.db.WithContext(ctx).Model(&User{})
		if !opts.IncludeMeta {
			q = q.Where(fmt.Sprintf("%s <> ?", columnUserUserID), MetaUserID)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var users []User
	err := query().Order(order).Limit(opts.Limit).Offset(opts.Offset).
		Find(&users).Error
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (d *database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDB opens the configured database, applies connection settings
// and migrates the schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
