// Package camera serves camera records from a read-only YAML catalog.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"camera-stream-relay/relay"
)

// ErrNotFound is returned for camera ids missing from the catalog.
var ErrNotFound = errors.New("camera not found")

// File is the on-disk layout of the catalog.
type File struct {
	Clusters []Cluster `yaml:"clusters"`
}

// Cluster groups cameras.
type Cluster struct {
	Name    string   `yaml:"name"`
	Cameras []Camera `yaml:"cameras"`
}

// Camera is one camera record.
type Camera struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	IPAddress string `yaml:"ip_address"`
	Port      int    `yaml:"port"` // 554 when omitted
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Cluster   string `yaml:"-"`
}

// Target returns the relay target for the camera.
func (c Camera) Target() relay.CameraTarget {
	return relay.CameraTarget{
		ID:       c.ID,
		Host:     c.IPAddress,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
	}
}

// Catalog is a concurrency safe view of a catalog file.
type Catalog struct {
	path string

	mu      sync.RWMutex
	cameras map[string]Camera
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes. Reload is a no-op on it.
func Parse(data []byte) (*Catalog, error) {
	cameras, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Catalog{cameras: cameras}, nil
}

// Reload re-reads the catalog file. On error the previous records stay.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read camera catalog: %w", err)
	}
	cameras, err := parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cameras = cameras
	c.mu.Unlock()
	log.WithField("path", c.path).WithField("cameras", len(cameras)).Info("camera catalog loaded")
	return nil
}

func parse(data []byte) (map[string]Camera, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse camera catalog: %w", err)
	}
	if err := Validate(&f); err != nil {
		return nil, fmt.Errorf("invalid camera catalog: %w", err)
	}

	cameras := make(map[string]Camera)
	for _, cl := range f.Clusters {
		for _, cam := range cl.Cameras {
			cam.Cluster = cl.Name
			cameras[cam.ID] = cam
		}
	}
	return cameras, nil
}

// Validate checks the records and fills in default ports.
func Validate(f *File) error {
	seen := make(map[string]bool)
	for i := range f.Clusters {
		cl := &f.Clusters[i]
		for j := range cl.Cameras {
			cam := &cl.Cameras[j]
			if cam.ID == "" {
				return fmt.Errorf("cluster %q: camera %d has no id", cl.Name, j)
			}
			if seen[cam.ID] {
				return fmt.Errorf("duplicate camera id %q", cam.ID)
			}
			seen[cam.ID] = true
			if cam.IPAddress == "" {
				return fmt.Errorf("camera %q has no ip_address", cam.ID)
			}
			if cam.Port == 0 {
				cam.Port = relay.DefaultRTSPPort
			}
			if cam.Port < 1 || cam.Port > 65535 {
				return fmt.Errorf("camera %q: port %d out of range", cam.ID, cam.Port)
			}
		}
	}
	return nil
}

// GetCameraByID returns the record for id or ErrNotFound.
func (c *Catalog) GetCameraByID(id string) (Camera, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cam, ok := c.cameras[id]
	if !ok {
		return Camera{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cam, nil
}

// ResolveCamera returns the relay target for id.
func (c *Catalog) ResolveCamera(_ context.Context, id string) (relay.CameraTarget, error) {
	cam, err := c.GetCameraByID(id)
	if err != nil {
		return relay.CameraTarget{}, err
	}
	return cam.Target(), nil
}

// Cameras returns every record ordered by id.
func (c *Catalog) Cameras() []Camera {
	c.mu.RLock()
	out := make([]Camera, 0, len(c.cameras))
	for _, cam := range c.cameras {
		out = append(out, cam)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
