package rangekv

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// The meta keyspace sorts below every user key; the meta range is the
// distinguished range storing the cluster topology itself.
const (
	MetaKeyPrefix    = "\x00meta/"
	MetaKeyPrefixEnd = "\x00meta0"

	MetaCollectionName    = "meta"
	DefaultCollectionName = "default"
)

type RangeMeta struct {
	ID       RangeID       `json:"id"`
	Lower    string        `json:"lower"`
	Upper    string        `json:"upper"`
	Replicas []PeerAddress `json:"replicas"`
}

// Contains reports whether key falls in [Lower, Upper); an empty Upper is
// unbounded.
func (r *RangeMeta) Contains(key string) bool {
	if key < r.Lower {
		return false
	}

	return r.Upper == "" || key < r.Upper
}

type CollectionMeta struct {
	Name   string      `json:"name"`
	Ranges []RangeMeta `json:"ranges"`
}

// ClusterMeta is the topology blob stored by the meta range and cached
// locally by every replica.
type ClusterMeta struct {
	Collections []CollectionMeta `json:"collections"`
}

// SeedMeta builds fresh cluster metadata: the meta range covering the meta
// key prefix and one default range covering the rest of the keyspace, both
// replicated on the configured peer set. Together the two ranges partition
// the whole keyspace.
func SeedMeta(peers []PeerAddress) *ClusterMeta {
	replicas := append([]PeerAddress(nil), peers...)

	return &ClusterMeta{
		Collections: []CollectionMeta{
			{
				Name: MetaCollectionName,
				Ranges: []RangeMeta{
					{
						ID:       RangeID("meta/" + uuid.NewString()),
						Lower:    "",
						Upper:    MetaKeyPrefixEnd,
						Replicas: replicas,
					},
				},
			},
			{
				Name: DefaultCollectionName,
				Ranges: []RangeMeta{
					{
						ID:       RangeID("default/" + uuid.NewString()),
						Lower:    MetaKeyPrefixEnd,
						Upper:    "",
						Replicas: replicas,
					},
				},
			},
		},
	}
}

// MetaRange returns the range storing the topology itself.
func (m *ClusterMeta) MetaRange() *RangeMeta {
	for i := range m.Collections {
		c := &m.Collections[i]

		if c.Name != MetaCollectionName {
			continue
		}

		for j := range c.Ranges {
			if c.Ranges[j].Contains(MetaKeyPrefix) {
				return &c.Ranges[j]
			}
		}
	}

	return nil
}

func (m *ClusterMeta) AllRanges() []RangeMeta {
	var ranges []RangeMeta

	for _, c := range m.Collections {
		ranges = append(ranges, c.Ranges...)
	}

	return ranges
}

// ReplicatedOn reports whether address is a replica of the meta range.
func (m *ClusterMeta) ReplicatedOn(address PeerAddress) bool {
	metaRange := m.MetaRange()
	if metaRange == nil {
		return false
	}

	for _, replica := range metaRange.Replicas {
		if replica == address {
			return true
		}
	}

	return false
}

func EncodeClusterMeta(m *ClusterMeta) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeClusterMeta(data []byte) (*ClusterMeta, error) {
	var m ClusterMeta

	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot decode cluster metadata: %w", err)
	}

	return &m, nil
}
