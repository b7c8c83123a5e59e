// Package identity manages the persistent device identity: a stable device
// id, a human-friendly generated name, and the household membership that
// survives restarts. Loaded once at startup and threaded into the sync
// engine; never read from ambient global state.
package identity

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/dukerupert/larder/internal/store"
)

const (
	keyDeviceID      = "device_id"
	keyDeviceName    = "device_name"
	keyHouseholdCode = "household_code"
	keyIsHost        = "is_host"
)

var (
	nameAdjectives = []string{"Quick", "Smart", "Happy", "Cool", "Fresh", "Bright"}
	nameNouns      = []string{"Chef", "Cook", "Baker", "Shopper", "Helper", "Planner"}
)

// Identity is this device's stable identity plus its current household
// membership. HouseholdCode is empty when the device is not in a household.
type Identity struct {
	DeviceID      string
	DeviceName    string
	HouseholdCode string
	IsHost        bool
}

// InHousehold reports whether a household membership is persisted.
func (i *Identity) InHousehold() bool {
	return i.HouseholdCode != ""
}

// Load reads the persisted identity, generating and persisting a device id
// and name on first run.
func Load(s *store.IdentityStore) (*Identity, error) {
	id := &Identity{}

	var err error
	if id.DeviceID, err = s.Get(keyDeviceID); err != nil {
		return nil, err
	}
	if id.DeviceID == "" {
		id.DeviceID = "device-" + uuid.NewString()
		if err := s.Set(keyDeviceID, id.DeviceID); err != nil {
			return nil, err
		}
	}

	if id.DeviceName, err = s.Get(keyDeviceName); err != nil {
		return nil, err
	}
	if id.DeviceName == "" {
		id.DeviceName = GenerateDeviceName()
		if err := s.Set(keyDeviceName, id.DeviceName); err != nil {
			return nil, err
		}
	}

	if id.HouseholdCode, err = s.Get(keyHouseholdCode); err != nil {
		return nil, err
	}
	isHost, err := s.Get(keyIsHost)
	if err != nil {
		return nil, err
	}
	id.IsHost = isHost == "true"

	return id, nil
}

// SaveMembership persists the household the device created or joined.
func (i *Identity) SaveMembership(s *store.IdentityStore, code string, isHost bool) error {
	if err := s.Set(keyHouseholdCode, code); err != nil {
		return err
	}
	host := "false"
	if isHost {
		host = "true"
	}
	if err := s.Set(keyIsHost, host); err != nil {
		return err
	}
	i.HouseholdCode = code
	i.IsHost = isHost
	return nil
}

// ClearMembership removes the persisted household membership on leave.
func (i *Identity) ClearMembership(s *store.IdentityStore) error {
	if err := s.Delete(keyHouseholdCode); err != nil {
		return err
	}
	if err := s.Delete(keyIsHost); err != nil {
		return err
	}
	i.HouseholdCode = ""
	i.IsHost = false
	return nil
}

// GenerateDeviceName produces a shareable label like "Happy Baker".
func GenerateDeviceName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return fmt.Sprintf("%s %s", adj, noun)
}
