package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// OfflineRegion the only entity persisted across sessions
type OfflineRegion struct {
	ID      string
	Name    string
	Bound   LngLatBbox
	MinZoom int
	MaxZoom int
	Created time.Time
}

// RegionStore sqlite-backed registry of downloaded regions
type RegionStore struct {
	db *sql.DB
}

func OpenRegionStore(path string) (*RegionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`create table if not exists regions (
		id text primary key, name text,
		west real, south real, east real, north real,
		min_zoom integer, max_zoom integer, created integer);`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &RegionStore{db: db}, nil
}

// Save persists a region, assigning an id when empty.
func (s *RegionStore) Save(r *OfflineRegion) error {
	if !r.Bound.IsValid() {
		return fmt.Errorf("region %q has invalid bounds", r.Name)
	}
	if r.MinZoom > r.MaxZoom {
		return fmt.Errorf("region %q zoom range %d-%d is inverted", r.Name, r.MinZoom, r.MaxZoom)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	_, err := s.db.Exec(
		"insert or replace into regions (id, name, west, south, east, north, min_zoom, max_zoom, created) values (?,?,?,?,?,?,?,?,?)",
		r.ID, r.Name, r.Bound.West, r.Bound.South, r.Bound.East, r.Bound.North,
		r.MinZoom, r.MaxZoom, r.Created.Unix())
	return err
}

// Get looks one region up by id.
func (s *RegionStore) Get(id string) (OfflineRegion, error) {
	row := s.db.QueryRow(
		"select id, name, west, south, east, north, min_zoom, max_zoom, created from regions where id = ?", id)
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OfflineRegion{}, fmt.Errorf("region %s not found", id)
	}
	return r, err
}

// List returns all regions, oldest first.
func (s *RegionStore) List() ([]OfflineRegion, error) {
	rows, err := s.db.Query(
		"select id, name, west, south, east, north, min_zoom, max_zoom, created from regions order by created")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var regions []OfflineRegion
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// Delete removes a region record.
func (s *RegionStore) Delete(id string) error {
	_, err := s.db.Exec("delete from regions where id = ?", id)
	return err
}

func (s *RegionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (OfflineRegion, error) {
	var r OfflineRegion
	var created int64
	err := row.Scan(&r.ID, &r.Name, &r.Bound.West, &r.Bound.South, &r.Bound.East,
		&r.Bound.North, &r.MinZoom, &r.MaxZoom, &created)
	if err != nil {
		return OfflineRegion{}, err
	}
	r.Created = time.Unix(created, 0)
	return r, nil
}
