// Package state persists the last known progress of each simulated vehicle
// as one JSON file per vehicle.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
)

// Progress is what is saved for a vehicle.
type Progress struct {
	VehicleID string             `json:"vehicle_id"`
	RouteName string             `json:"route_name,omitempty"`
	TotalKm   float64            `json:"total_km"`
	TargetKmh float64            `json:"target_speed_kmh"`
	Snapshot  simulator.Snapshot `json:"snapshot"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, "./state" if empty.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = "./state"
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// Ensure folder exists
func (s *Store) ensureDir() error {
	return os.MkdirAll(s.dir, os.ModePerm)
}

func (s *Store) path(vehicleID string) string {
	return filepath.Join(s.dir, vehicleID+".json")
}

func (s *Store) Load(vehicleID string) (*Progress, error) {
	data, err := os.ReadFile(s.path(vehicleID))
	if err != nil {
		return nil, err
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", vehicleID, err)
	}
	return &p, nil
}

func (s *Store) Save(vehicleID string, p *Progress) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	// Write then rename so a reader never sees a partial file.
	tmp := s.path(vehicleID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(vehicleID))
}
