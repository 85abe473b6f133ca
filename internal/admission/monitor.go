package admission

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"fractal/internal/config"
)

// Monitor reads live device conditions.
type Monitor interface {
	Read(ctx context.Context) (Conditions, error)
}

// SysfsMonitor reads conditions from the Linux sysfs class directories.
type SysfsMonitor struct {
	PowerSupplyDir string
	ThermalDir     string
	NetDir         string
	BacklightDir   string
	StoragePath    string
	Now            func() time.Time
}

// NewSysfsMonitor builds a monitor from the [admission] directories. Free
// storage is measured on the checkpoint directory.
func NewSysfsMonitor(cfg *config.Config) *SysfsMonitor {
	return &SysfsMonitor{
		PowerSupplyDir: cfg.Admission.PowerSupplyDir,
		ThermalDir:     cfg.Admission.ThermalDir,
		NetDir:         cfg.Admission.NetDir,
		BacklightDir:   cfg.Admission.BacklightDir,
		StoragePath:    cfg.Paths.CheckpointDir,
		Now:            time.Now,
	}
}

// Read samples every source. Missing sysfs classes are treated as absent
// hardware rather than errors.
func (m *SysfsMonitor) Read(ctx context.Context) (Conditions, error) {
	if err := ctx.Err(); err != nil {
		return Conditions{}, err
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	cond := Conditions{Now: now()}

	if err := m.readPower(&cond); err != nil {
		return Conditions{}, fmt.Errorf("read power supply: %w", err)
	}
	if err := m.readNetwork(&cond); err != nil {
		return Conditions{}, fmt.Errorf("read network: %w", err)
	}
	cond.Idle = m.displayOff()
	cond.TemperatureC = m.maxTemperature()
	if m.StoragePath != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(m.StoragePath, &st); err == nil {
			cond.FreeStorageBytes = st.Bavail * uint64(st.Bsize)
			cond.StorageKnown = true
		}
	}
	return cond, nil
}

func (m *SysfsMonitor) readPower(cond *Conditions) error {
	entries, err := readDirOptional(m.PowerSupplyDir)
	if err != nil {
		return err
	}
	mainsOnline := false
	for _, entry := range entries {
		dir := filepath.Join(m.PowerSupplyDir, entry.Name())
		switch readTrimmed(filepath.Join(dir, "type")) {
		case "Battery":
			if present := readTrimmed(filepath.Join(dir, "present")); present == "0" {
				continue
			}
			capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
			if err != nil {
				continue
			}
			cond.HasBattery = true
			cond.BatteryPercent = capacity
			switch readTrimmed(filepath.Join(dir, "status")) {
			case "Charging", "Full":
				cond.Charging = true
			}
		case "Mains", "USB", "USB_C", "USB_PD":
			if readTrimmed(filepath.Join(dir, "online")) == "1" {
				mainsOnline = true
			}
		}
	}
	if mainsOnline {
		cond.Charging = true
	}
	return nil
}

func (m *SysfsMonitor) readNetwork(cond *Conditions) error {
	entries, err := readDirOptional(m.NetDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		dir := filepath.Join(m.NetDir, name)
		if readTrimmed(filepath.Join(dir, "operstate")) != "up" {
			continue
		}
		if isCellular(name) {
			cond.Network.Cellular = true
			continue
		}
		cond.Network.Wifi = true
	}
	return nil
}

func isCellular(iface string) bool {
	for _, prefix := range []string{"wwan", "rmnet", "ccmni", "ppp"} {
		if strings.HasPrefix(iface, prefix) {
			return true
		}
	}
	return false
}

// displayOff reports true when no backlight is powered. bl_power 0 means on.
func (m *SysfsMonitor) displayOff() bool {
	entries, err := readDirOptional(m.BacklightDir)
	if err != nil {
		return true
	}
	for _, entry := range entries {
		if readTrimmed(filepath.Join(m.BacklightDir, entry.Name(), "bl_power")) == "0" {
			return false
		}
	}
	return true
}

func (m *SysfsMonitor) maxTemperature() float64 {
	entries, err := readDirOptional(m.ThermalDir)
	if err != nil {
		return 0
	}
	hottest := 0.0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "thermal_zone") {
			continue
		}
		milli, err := strconv.Atoi(readTrimmed(filepath.Join(m.ThermalDir, entry.Name(), "temp")))
		if err != nil {
			continue
		}
		hottest = max(hottest, float64(milli)/1000)
	}
	return hottest
}

func readDirOptional(dir string) ([]os.DirEntry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// StaticMonitor returns fixed conditions. It backs tests and the --simulate
// daemon flag.
type StaticMonitor struct {
	mu   sync.Mutex
	cond Conditions
	err  error
}

// NewStaticMonitor returns a monitor reporting cond.
func NewStaticMonitor(cond Conditions) *StaticMonitor {
	return &StaticMonitor{cond: cond}
}

// Set replaces the reported conditions.
func (m *StaticMonitor) Set(cond Conditions) {
	m.mu.Lock()
	m.cond = cond
	m.err = nil
	m.mu.Unlock()
}

// Update edits the reported conditions in place.
func (m *StaticMonitor) Update(fn func(*Conditions)) {
	m.mu.Lock()
	fn(&m.cond)
	m.mu.Unlock()
}

// Fail makes subsequent reads return err.
func (m *StaticMonitor) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *StaticMonitor) Read(context.Context) (Conditions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cond := m.cond
	if cond.Now.IsZero() {
		cond.Now = time.Now()
	}
	return cond, m.err
}

// Favourable returns conditions that satisfy the default policy.
func Favourable() Conditions {
	return Conditions{
		HasBattery:     true,
		BatteryPercent: 100,
		Charging:       true,
		Idle:           true,
		Network:        Network{Wifi: true},
	}
}
