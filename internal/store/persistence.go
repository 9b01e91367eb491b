// Package store persists the node identity, routing table, peer
// storage, and acquired torrent metadata across restarts, following
// the teacher's MetaInfo/InfoDict/FileDict bencode struct-tag shape
// (metainfo.go) generalized from "one loaded .torrent" to "many
// acquired-at-runtime blobs", plus write-to-temp-then-rename snapshotting
// for the two files that are rewritten periodically while the process
// runs.
package store

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	zbencode "github.com/zeebo/bencode"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
)

// FileDict is one entry in a multi-file torrent's file list.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	Md5sum string   `bencode:"md5sum,omitempty"`
}

// InfoDict is the "info" subtree whose bencoded bytes hash to the
// torrent's info hash.
type InfoDict struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int64  `bencode:"private,omitempty"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length,omitempty"`
	Md5sum      string `bencode:"md5sum,omitempty"`
	Files       []*FileDict `bencode:"files,omitempty"`
}

// MetaInfo is a full torrent file as persisted to disk under
// metadata/<info-hash-hex>.torrent.
type MetaInfo struct {
	Info         *InfoDict  `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`

	InfoHash string `bencode:"-"`
}

// Store owns the on-disk layout under a single base directory:
//
//	<dir>/node_id
//	<dir>/routing_table.dat
//	<dir>/peers.dat
//	<dir>/metadata/<hex infohash>.torrent
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) metadataDir() string { return filepath.Join(s.dir, "metadata") }

// EnsureLayout creates the base and metadata directories if absent.
func (s *Store) EnsureLayout() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create store dir")
	}
	if err := os.MkdirAll(s.metadataDir(), 0o755); err != nil {
		return errors.Wrap(err, "create metadata dir")
	}
	return nil
}

// LoadOrCreateNodeID loads the persisted 160-bit node ID, or generates
// and saves a fresh random one if none exists, per §4.M.
func (s *Store) LoadOrCreateNodeID() (dht.ID, error) {
	path := filepath.Join(s.dir, "node_id")
	b, err := os.ReadFile(path)
	if err == nil && len(b) == dht.IDLength {
		id, ok := dht.IDFromBytes(b)
		if ok {
			return id, nil
		}
	}

	id := dht.RandomID()
	if err := writeFileAtomic(path, id.Bytes()); err != nil {
		return id, errors.Wrap(err, "save node id")
	}
	return id, nil
}

// RoutingTableSnapshot is the on-disk form of a routing table entry.
type RoutingTableSnapshot struct {
	ID       dht.ID
	Endpoint *net.UDPAddr
	LastSeen time.Time
}

// SaveRoutingTable snapshots nodes as a bencoded list of
// {id, ip, port, last_seen} dicts, per §6, via write-to-temp-then-rename.
func (s *Store) SaveRoutingTable(nodes []*dht.Node) error {
	entries := make([]*bencode.Value, 0, len(nodes))
	for _, n := range nodes {
		if n.Endpoint == nil || n.Endpoint.IP.To4() == nil {
			continue
		}
		entries = append(entries, routingEntryValue(n.ID, n.Endpoint, n.LastSeen))
	}
	return writeFileAtomic(filepath.Join(s.dir, "routing_table.dat"), bencode.Encode(bencode.NewList(entries...)))
}

func routingEntryValue(id dht.ID, endpoint *net.UDPAddr, lastSeen time.Time) *bencode.Value {
	entry := bencode.NewDict()
	entry.Set("id", bencode.NewBytes(id.Bytes()))
	entry.Set("ip", bencode.NewString(endpoint.IP.To4().String()))
	entry.Set("port", bencode.NewInt(int64(endpoint.Port)))
	entry.Set("last_seen", bencode.NewInt(lastSeen.Unix()))
	return entry
}

// LoadRoutingTable reloads a snapshot written by SaveRoutingTable,
// discarding entries older than staleness.
func (s *Store) LoadRoutingTable(staleness time.Duration) ([]RoutingTableSnapshot, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, "routing_table.dat"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read routing table snapshot")
	}

	v, err := bencode.Decode(b)
	if err != nil {
		return nil, errors.Wrap(err, "decode routing table snapshot")
	}
	if v.Kind != bencode.KindList {
		return nil, errors.New("store: routing table snapshot is not a bencoded list")
	}

	cutoff := time.Now().Add(-staleness)
	var out []RoutingTableSnapshot
	for _, entry := range v.List {
		idVal, ok := entry.Get("id").AsString()
		if !ok {
			continue
		}
		id, ok := dht.IDFromBytes([]byte(idVal))
		if !ok {
			continue
		}
		ipVal, ok := entry.Get("ip").AsString()
		if !ok {
			continue
		}
		ip := net.ParseIP(ipVal)
		if ip == nil {
			continue
		}
		port, ok := entry.Get("port").AsInt()
		if !ok {
			continue
		}
		lastSeenUnix, ok := entry.Get("last_seen").AsInt()
		if !ok {
			continue
		}
		lastSeen := time.Unix(lastSeenUnix, 0)
		if lastSeen.Before(cutoff) {
			continue
		}
		out = append(out, RoutingTableSnapshot{
			ID:       id,
			Endpoint: &net.UDPAddr{IP: ip, Port: int(port)},
			LastSeen: lastSeen,
		})
	}
	return out, nil
}

// SavePeers snapshots an info-hash -> endpoint list as the bencoded
// dictionary mandated by §6: hex info hash to a list of {ip, port,
// announced_at} dicts.
func (s *Store) SavePeers(all map[dht.InfoHash][]*net.UDPAddr) error {
	root := bencode.NewDict()
	now := time.Now().Unix()
	for hash, addrs := range all {
		var list []*bencode.Value
		for _, addr := range addrs {
			if addr.IP.To4() == nil {
				continue
			}
			peer := bencode.NewDict()
			peer.Set("ip", bencode.NewString(addr.IP.To4().String()))
			peer.Set("port", bencode.NewInt(int64(addr.Port)))
			peer.Set("announced_at", bencode.NewInt(now))
			list = append(list, peer)
		}
		if len(list) == 0 {
			continue
		}
		root.Set(hash.String(), bencode.NewList(list...))
	}
	return writeFileAtomic(filepath.Join(s.dir, "peers.dat"), bencode.Encode(root))
}

// LoadPeers reloads a snapshot written by SavePeers.
func (s *Store) LoadPeers() (map[dht.InfoHash][]*net.UDPAddr, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, "peers.dat"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read peers snapshot")
	}

	v, err := bencode.Decode(b)
	if err != nil {
		return nil, errors.Wrap(err, "decode peers snapshot")
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.New("store: peers snapshot is not a bencoded dict")
	}

	out := make(map[dht.InfoHash][]*net.UDPAddr)
	for _, e := range v.Dict {
		hashBytes, err := decodeHexInfoHash(e.Key)
		if err != nil {
			continue
		}
		hash, ok := dht.IDFromBytes(hashBytes)
		if !ok || e.Value.Kind != bencode.KindList {
			continue
		}
		for _, peer := range e.Value.List {
			ipVal, ok := peer.Get("ip").AsString()
			if !ok {
				continue
			}
			ip := net.ParseIP(ipVal)
			if ip == nil {
				continue
			}
			port, ok := peer.Get("port").AsInt()
			if !ok {
				continue
			}
			out[hash] = append(out[hash], &net.UDPAddr{IP: ip, Port: int(port)})
		}
	}
	return out, nil
}

func decodeHexInfoHash(hexHash string) ([]byte, error) {
	out, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, errors.Wrap(err, "decode hex info hash")
	}
	if len(out) != dht.IDLength {
		return nil, errors.New("store: malformed hex info hash")
	}
	return out, nil
}

// SaveMetadata writes a fetched info dict as a standalone .torrent file
// named by its hex info hash, following the teacher's saveToDisk
// pattern but targeting a fixed metadata subdirectory rather than the
// download directory.
func (s *Store) SaveMetadata(hash dht.InfoHash, info *InfoDict) error {
	m := &MetaInfo{Info: info, InfoHash: string(hash.Bytes())}
	path := filepath.Join(s.metadataDir(), fmt.Sprintf("%s.torrent", hash.String()))

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create metadata temp file")
	}
	if err := zbencode.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "encode metadata")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close metadata temp file")
	}
	return os.Rename(tmp, path)
}

// SaveMetadataRaw decodes a fetched metadata blob into an InfoDict,
// re-verifies it still hashes to want (guarding against a lossy
// struct-tag round trip), and persists it via SaveMetadata. This is
// the entry point acquisition success wires into, since the acquired
// metadata arrives as raw bencoded bytes, not an InfoDict.
func (s *Store) SaveMetadataRaw(hash dht.InfoHash, raw []byte) error {
	var info InfoDict
	if err := zbencode.NewDecoder(bytes.NewReader(raw)).Decode(&info); err != nil {
		return errors.Wrap(err, "decode acquired metadata")
	}
	if err := VerifyInfoHash(&info, hash); err != nil {
		return err
	}
	return s.SaveMetadata(hash, &info)
}

// VerifyInfoHash recomputes the info hash of a decoded InfoDict and
// compares it to want, guarding against accidental corruption between
// acquisition and persistence.
func VerifyInfoHash(info *InfoDict, want dht.InfoHash) error {
	h := sha1.New()
	if err := zbencode.NewEncoder(h).Encode(info); err != nil {
		return errors.Wrap(err, "re-encode info dict")
	}
	var got dht.InfoHash
	copy(got[:], h.Sum(nil))
	if got != want {
		return errors.New("store: info hash mismatch on persist")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
