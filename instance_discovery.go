package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	zeroconfService = "_ubersdr._tcp"
	zeroconfDomain  = "local."
)

// DiscoveredInstance is one server found via mDNS on the local network.
type DiscoveredInstance struct {
	Name        string               `json:"name"`
	Host        string               `json:"host"`
	Port        int                  `json:"port"`
	Version     string               `json:"version"`
	TLS         bool                 `json:"tls"`
	TxtRecords  map[string]string    `json:"txt_records,omitempty"`
	Description *InstanceDescription `json:"description,omitempty"`
}

// InstanceDescription is the server's /api/description document, fetched
// after discovery to confirm the instance is reachable.
type InstanceDescription struct {
	Version          string       `json:"version"`
	PublicUUID       string       `json:"public_uuid"`
	Receiver         ReceiverInfo `json:"receiver"`
	AvailableClients int          `json:"available_clients"`
	MaxClients       int          `json:"max_clients"`
	MaxSessionTime   int          `json:"max_session_time"`
	NoiseFloor       bool         `json:"noise_floor"`
}

// ReceiverInfo describes the receiver behind an instance.
type ReceiverInfo struct {
	Name      string `json:"name"`
	Callsign  string `json:"callsign"`
	Location  string `json:"location"`
	PublicURL string `json:"public_url"`
}

// ServerURL returns the instance as a URL usable for the server config.
func (di DiscoveredInstance) ServerURL() string {
	scheme := "http"
	if di.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, di.Host, di.Port)
}

// InstanceDiscovery browses mDNS for servers on the local network and keeps
// the reachable ones. Methods are safe on a nil receiver so discovery can
// be disabled by simply not constructing one.
type InstanceDiscovery struct {
	mu        sync.RWMutex
	instances map[string]*DiscoveredInstance
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewInstanceDiscovery() *InstanceDiscovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &InstanceDiscovery{
		instances: make(map[string]*DiscoveredInstance),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins background mDNS browsing. Discovered instances become
// visible through Instances once their description has been fetched.
func (id *InstanceDiscovery) Start() error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			instance, ok := instanceFromEntry(entry)
			if !ok {
				continue
			}

			id.mu.Lock()
			id.instances[instance.Name] = &instance
			id.mu.Unlock()
			if DebugMode {
				log.Printf("DEBUG: Discovered instance %q at %s:%d", instance.Name, instance.Host, instance.Port)
			}

			go id.probeInstance(instance.Name)
		}
	}()

	go func() {
		if err := resolver.Browse(id.ctx, zeroconfService, zeroconfDomain, entries); err != nil {
			log.Printf("Failed to browse mDNS services: %v", err)
		}
	}()

	return nil
}

// probeInstance fetches /api/description; instances that do not answer are
// dropped from the list.
func (id *InstanceDiscovery) probeInstance(name string) {
	id.mu.RLock()
	instance, ok := id.instances[name]
	if !ok {
		id.mu.RUnlock()
		return
	}
	descURL := instance.ServerURL() + "/api/description"
	id.mu.RUnlock()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(descURL)
	if err != nil {
		id.drop(name, fmt.Sprintf("unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		id.drop(name, fmt.Sprintf("description returned status %d", resp.StatusCode))
		return
	}

	var description InstanceDescription
	if err := json.NewDecoder(resp.Body).Decode(&description); err != nil {
		id.drop(name, fmt.Sprintf("invalid description: %v", err))
		return
	}

	id.mu.Lock()
	if instance, ok := id.instances[name]; ok {
		instance.Description = &description
	}
	id.mu.Unlock()
}

func (id *InstanceDiscovery) drop(name, reason string) {
	log.Printf("Dropping discovered instance %q: %s", name, reason)
	id.mu.Lock()
	delete(id.instances, name)
	id.mu.Unlock()
}

// Instances returns the discovered instances that answered a description
// probe. Returns an empty slice on a nil receiver.
func (id *InstanceDiscovery) Instances() []DiscoveredInstance {
	if id == nil {
		return []DiscoveredInstance{}
	}

	id.mu.RLock()
	defer id.mu.RUnlock()

	instances := make([]DiscoveredInstance, 0, len(id.instances))
	for _, instance := range id.instances {
		if instance.Description != nil {
			instances = append(instances, *instance)
		}
	}
	return instances
}

// Stop ends background browsing.
func (id *InstanceDiscovery) Stop() {
	if id == nil || id.cancel == nil {
		return
	}
	id.cancel()
}

// DiscoverInstances browses the local network once and returns everything
// that announced itself within the timeout. Used by the --discover CLI
// mode.
func DiscoverInstances(timeout time.Duration) ([]DiscoveredInstance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var found []DiscoveredInstance
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if instance, ok := instanceFromEntry(entry); ok {
				found = append(found, instance)
			}
		}
	}()

	if err := resolver.Browse(ctx, zeroconfService, zeroconfDomain, entries); err != nil {
		return nil, fmt.Errorf("mDNS browse failed: %w", err)
	}

	<-ctx.Done()
	<-done
	return found, nil
}

// instanceFromEntry converts an mDNS service entry, preferring IPv4.
func instanceFromEntry(entry *zeroconf.ServiceEntry) (DiscoveredInstance, bool) {
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return DiscoveredInstance{}, false
	}

	var host string
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else {
		host = "[" + entry.AddrIPv6[0].String() + "]"
	}

	txtRecords := make(map[string]string)
	for _, txt := range entry.Text {
		if idx := strings.IndexByte(txt, '='); idx > 0 {
			txtRecords[txt[:idx]] = txt[idx+1:]
		}
	}

	version := txtRecords["version"]
	if version == "" {
		version = "unknown"
	}
	tls := txtRecords["tls"] == "1" || txtRecords["tls"] == "true"

	return DiscoveredInstance{
		Name:       unescapeMDNSName(entry.Instance),
		Host:       host,
		Port:       entry.Port,
		Version:    version,
		TLS:        tls,
		TxtRecords: txtRecords,
	}, true
}

// unescapeMDNSName strips backslash escapes from mDNS instance names.
func unescapeMDNSName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+1 < len(name) {
			i++
		}
		b.WriteByte(name[i])
	}
	return b.String()
}
