package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// insertBatchSize bounds the rows of a single INSERT statement.
const insertBatchSize = 100

// PostgresStore is the document store backed by Postgres through gorm.
type PostgresStore struct {
	db *gorm.DB
}

var _ DocumentStore = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres, verifies the connection with retry
// and migrates the records table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPostgresUnreachable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	store := &PostgresStore{db: db}

	ctx := context.Background()
	if err := backoff.Retry(func() error { return store.Health(ctx) }, newRetryBackoff()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrPostgresUnreachable, err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate records table: %w", err)
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an already opened gorm handle. No migration runs.
func NewPostgresStoreFromDB(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMany(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	// One transaction so a failed batch leaves no partial insert behind.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(records, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("insert %d records: %w", len(records), err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, record Record) error {
	if record.Namespace == "" {
		record.Namespace = DefaultNamespace
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"file_name", "namespace", "metadata_small", "source"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", record.Code, err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, codes []string) ([]Record, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	var records []Record
	if err := s.db.WithContext(ctx).Where("code IN ?", codes).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) ListByFile(ctx context.Context, fileName, namespace string) ([]Record, error) {
	q := s.db.WithContext(ctx).Where("file_name = ?", fileName)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var records []Record
	if err := q.Order("code").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list records of %s: %w", fileName, err)
	}
	return records, nil
}

func (s *PostgresStore) Codes(ctx context.Context, fileName, namespace string) ([]string, error) {
	var codes []string
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("file_name = ? AND namespace = ?", fileName, namespace).
		Pluck("code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("list codes of %s: %w", fileName, err)
	}
	return codes, nil
}

func (s *PostgresStore) DeleteByFile(ctx context.Context, fileName, namespace string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("file_name = ? AND namespace = ?", fileName, namespace).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete records of %s: %w", fileName, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) DeleteByCodes(ctx context.Context, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("code IN ?", codes).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete %d records: %w", len(codes), res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) CountByFile(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		FileName string
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("file_name, count(*) AS count").
		Group("file_name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count records by file: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.FileName] = row.Count
	}
	return counts, nil
}

func (s *PostgresStore) Files(ctx context.Context, namespace string) ([]FileCount, error) {
	q := s.db.WithContext(ctx).Model(&Record{}).
		Select("file_name, namespace, count(*) AS count")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}

	var files []FileCount
	if err := q.Group("file_name, namespace").Order("file_name").Scan(&files).Error; err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}
