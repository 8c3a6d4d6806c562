package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MariaMineRepo реализует MineRepo для MariaDB/MySQL.
// Использует таблицу private_mines; список допуска хранится JSON-массивом.
type MariaMineRepo struct {
	db *sql.DB
}

// NewMariaMineRepo подключается к базе и создаёт таблицу, если её нет.
//
// Параметры:
//
//	dsn - строка подключения к базе данных (user:pass@tcp(host:port)/dbname?parseTime=true)
func NewMariaMineRepo(dsn string) (*MariaMineRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaMineRepo{db: db}
	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}
	return repo, nil
}

func (r *MariaMineRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS private_mines (
			owner_id     VARCHAR(64)  PRIMARY KEY,
			owner_name   VARCHAR(64)  NOT NULL,
			mine_name    VARCHAR(128) NOT NULL,
			size_level   TINYINT      NOT NULL DEFAULT 1,
			beacon_level TINYINT      NOT NULL DEFAULT 0,
			is_public    BOOLEAN      NOT NULL DEFAULT FALSE,
			tax_rate     DOUBLE       NOT NULL DEFAULT 0,
			allowed      TEXT         NOT NULL,
			world_name   VARCHAR(128) NOT NULL DEFAULT '',
			updated_at   TIMESTAMP    DEFAULT CURRENT_TIMESTAMP
			             ON UPDATE    CURRENT_TIMESTAMP
		) ENGINE=InnoDB
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("ошибка создания таблицы private_mines: %w", err)
	}
	return nil
}

// Save использует INSERT ... ON DUPLICATE KEY UPDATE
func (r *MariaMineRepo) Save(ctx context.Context, rec MineRecord) error {
	if rec.OwnerID == "" {
		return fmt.Errorf("пустой ownerID")
	}
	allowed, err := json.Marshal(nonNil(rec.Allowed))
	if err != nil {
		return fmt.Errorf("ошибка сериализации списка допуска: %w", err)
	}

	query := `
		INSERT INTO private_mines
			(owner_id, owner_name, mine_name, size_level, beacon_level, is_public, tax_rate, allowed, world_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			owner_name = VALUES(owner_name),
			mine_name = VALUES(mine_name),
			size_level = VALUES(size_level),
			beacon_level = VALUES(beacon_level),
			is_public = VALUES(is_public),
			tax_rate = VALUES(tax_rate),
			allowed = VALUES(allowed),
			world_name = VALUES(world_name),
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.OwnerID, rec.OwnerName, rec.MineName, rec.SizeLevel, rec.BeaconLevel,
		rec.IsPublic, rec.TaxRate, string(allowed), rec.WorldName)
	if err != nil {
		return fmt.Errorf("ошибка сохранения шахты %s: %w", rec.OwnerID, err)
	}
	return nil
}

const selectMine = `SELECT owner_id, owner_name, mine_name, size_level, beacon_level,
	is_public, tax_rate, allowed, world_name, updated_at FROM private_mines`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMine(row rowScanner) (MineRecord, error) {
	var rec MineRecord
	var allowed string
	err := row.Scan(&rec.OwnerID, &rec.OwnerName, &rec.MineName, &rec.SizeLevel, &rec.BeaconLevel,
		&rec.IsPublic, &rec.TaxRate, &allowed, &rec.WorldName, &rec.UpdatedAt)
	if err != nil {
		return MineRecord{}, err
	}
	if allowed != "" {
		if err := json.Unmarshal([]byte(allowed), &rec.Allowed); err != nil {
			return MineRecord{}, fmt.Errorf("повреждён список допуска шахты %s: %w", rec.OwnerID, err)
		}
	}
	return rec, nil
}

func (r *MariaMineRepo) Load(ctx context.Context, ownerID string) (MineRecord, bool, error) {
	rec, err := scanMine(r.db.QueryRowContext(ctx, selectMine+` WHERE owner_id = ?`, ownerID))
	if err == sql.ErrNoRows {
		return MineRecord{}, false, nil
	}
	if err != nil {
		return MineRecord{}, false, fmt.Errorf("ошибка загрузки шахты %s: %w", ownerID, err)
	}
	return rec, true, nil
}

func (r *MariaMineRepo) Delete(ctx context.Context, ownerID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM private_mines WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("ошибка удаления шахты %s: %w", ownerID, err)
	}
	return nil
}

func (r *MariaMineRepo) List(ctx context.Context) ([]MineRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectMine+` ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка шахт: %w", err)
	}
	defer rows.Close()

	var out []MineRecord
	for rows.Next() {
		rec, err := scanMine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *MariaMineRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
