package oseid

import (
	"fmt"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// storeBlob is the single-row table backing a sqliteStore. A card core has
// no need for row-level granularity: the whole region is loaded from the
// row on every access and written back on every mutation, which is plenty
// fast for the KB-scale
// data_store/sec_store regions spec.md §6 describes and keeps the schema
// to one table, the way kgiusti-go-fdo-server keeps its voucher state in
// a handful of gorm models rather than hand-rolled SQL.
type storeBlob struct {
	Region  string `gorm:"primaryKey"`
	Bytes   []byte
	Counter uint16
}

// sqliteStore is a Store backed by a SQLite database, so a personalized
// card survives a cmd/cardctl restart. It is not used by any test in this
// package (those use the in-memory Store); it exists for cmd/cardctl serve
// --store-db.
type sqliteStore struct {
	db     *gorm.DB
	region string
	mu     sync.Mutex
	size   int
}

// openSQLiteStore opens (creating if absent) a durable Store for the named
// region ("data" or "sec") inside the database at path.
func openSQLiteStore(path, region string, size int) (*sqliteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.AutoMigrate(&storeBlob{}); err != nil {
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	s := &sqliteStore{db: db, region: region, size: size}

	var row storeBlob
	err = db.Where("region = ?", region).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		blank := make([]byte, size)
		for i := range blank {
			blank[i] = 0xff
		}
		row = storeBlob{Region: region, Bytes: blank}
		if err := db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("seed store db: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load store db: %w", err)
	}
	if len(row.Bytes) != size {
		return nil, fmt.Errorf("store db region %q has size %d, want %d", region, len(row.Bytes), size)
	}
	return s, nil
}

func (s *sqliteStore) Len() int { return s.size }

func (s *sqliteStore) load() (*storeBlob, error) {
	var row storeBlob
	if err := s.db.Where("region = ?", s.region).First(&row).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardwareFailure, err)
	}
	return &row, nil
}

func (s *sqliteStore) ReadBlock(buf []byte, offset uint16, size uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(size)
	if n == 0 {
		n = 256
	}
	row, err := s.load()
	if err != nil {
		return err
	}
	if int(offset)+n > len(row.Bytes) {
		return ErrHardwareFailure
	}
	copy(buf, row.Bytes[offset:int(offset)+n])
	return nil
}

func (s *sqliteStore) WriteBlock(buf []byte, offset uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.load()
	if err != nil {
		return err
	}
	if int(offset)+len(buf) > len(row.Bytes) {
		return ErrHardwareFailure
	}
	copy(row.Bytes[offset:], buf)
	row.Counter++
	if err := s.db.Save(row).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrHardwareFailure, err)
	}
	return nil
}

func (s *sqliteStore) Fill(offset uint16, size uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(size)
	if n == 0 {
		n = 256
	}
	row, err := s.load()
	if err != nil {
		return err
	}
	if int(offset)+n > len(row.Bytes) {
		return ErrHardwareFailure
	}
	for i := 0; i < n; i++ {
		row.Bytes[int(offset)+i] = 0xff
	}
	row.Counter++
	if err := s.db.Save(row).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrHardwareFailure, err)
	}
	return nil
}

func (s *sqliteStore) ChangeCounter() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.load()
	if err != nil {
		return 0
	}
	return row.Counter
}

// OpenDurableCard builds a Card whose data_store and sec_store are backed by
// a SQLite database at dbPath, creating it if necessary.
func OpenDurableCard(dbPath string) (*Card, error) {
	data, err := openSQLiteStore(dbPath, "data", dataStoreSize)
	if err != nil {
		return nil, err
	}
	sec, err := openSQLiteStore(dbPath, "sec", secStoreSize)
	if err != nil {
		return nil, err
	}
	return newCard(data, sec), nil
}
