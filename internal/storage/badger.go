package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// Badger keeps the whole KV in an embedded badger database. Every logical key
// becomes a family of physical keys:
//
//	v\x00<key>                value
//	z\x00<key>\x00<member>    sorted-set member, value = float64 score
//	s\x00<key>\x00<member>    set member
//	h\x00<key>\x00<field>     hash field
type Badger struct {
	db *badger.DB
}

const (
	famValue byte = 'v'
	famZSet  byte = 'z'
	famSet   byte = 's'
	famHash  byte = 'h'
)

func NewBadger(path string) (*Badger, error) {
	const op = "storage.NewBadger"

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%s: failed to create directory: %w", op, err)
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open database: %w", op, err)
	}
	return &Badger{db: db}, nil
}

func physKey(fam byte, key string) []byte {
	b := make([]byte, 0, len(key)+2)
	b = append(b, fam, 0)
	return append(b, key...)
}

func memberPrefix(fam byte, key string) []byte {
	return append(physKey(fam, key), 0)
}

func memberKey(fam byte, key, member string) []byte {
	return append(memberPrefix(fam, key), member...)
}

// eachMember walks the members of one collection key.
func eachMember(txn *badger.Txn, fam byte, key string, withValues bool, fn func(member string, item *badger.Item) error) error {
	prefix := memberPrefix(fam, key)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		member := string(item.Key()[len(prefix):])
		if err := fn(member, item); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(physKey(famValue, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNil
	}
	return out, err
}

func (b *Badger) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for i, k := range keys {
			item, err := txn.Get(physKey(famValue, k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if out[i], err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(physKey(famValue, key), value)
	})
}

func (b *Badger) Del(_ context.Context, keys ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(physKey(famValue, k)); err != nil {
				return err
			}
			for _, fam := range []byte{famZSet, famSet, famHash} {
				var doomed [][]byte
				err := eachMember(txn, fam, k, false, func(_ string, item *badger.Item) error {
					doomed = append(doomed, item.KeyCopy(nil))
					return nil
				})
				if err != nil {
					return err
				}
				for _, d := range doomed {
					if err := txn.Delete(d); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func encodeScore(score float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(score))
	return buf
}

func decodeScore(b []byte) float64 {
	if len(b) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (b *Badger) ZAdd(_ context.Context, key string, score float64, member string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(famZSet, key, member), encodeScore(score))
	})
}

func (b *Badger) ZRem(_ context.Context, key string, members ...string) error {
	return b.deleteMembers(famZSet, key, members)
}

func (b *Badger) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	var items []scored
	err := b.db.View(func(txn *badger.Txn) error {
		return eachMember(txn, famZSet, key, true, func(member string, item *badger.Item) error {
			return item.Value(func(val []byte) error {
				items = append(items, scored{member: member, score: decodeScore(val)})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return revRange(items, start, stop), nil
}

func (b *Badger) ZCard(_ context.Context, key string) (int64, error) {
	return b.count(famZSet, key)
}

func (b *Badger) SAdd(_ context.Context, key string, members ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Set(memberKey(famSet, key, m), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) SRem(_ context.Context, key string, members ...string) error {
	return b.deleteMembers(famSet, key, members)
}

func (b *Badger) SMembers(_ context.Context, key string) ([]string, error) {
	out := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		return eachMember(txn, famSet, key, false, func(member string, _ *badger.Item) error {
			out = append(out, member)
			return nil
		})
	})
	return out, err
}

func (b *Badger) HGet(_ context.Context, key, field string) (string, error) {
	var out string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memberKey(famHash, key, field))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNil
	}
	return out, err
}

func (b *Badger) HSet(_ context.Context, key string, values map[string]string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for f, v := range values {
			if err := txn.Set(memberKey(famHash, key, f), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) HDel(_ context.Context, key string, fields ...string) error {
	return b.deleteMembers(famHash, key, fields)
}

func (b *Badger) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		return eachMember(txn, famHash, key, true, func(field string, item *badger.Item) error {
			return item.Value(func(val []byte) error {
				out[field] = string(val)
				return nil
			})
		})
	})
	return out, err
}

func (b *Badger) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	var result int64
	err := b.db.Update(func(txn *badger.Txn) error {
		k := memberKey(famHash, key, field)
		var cur int64
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				n, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return fmt.Errorf("field %q is not an integer", field)
				}
				cur = n
				return nil
			})
			if err != nil {
				return err
			}
		}
		result = cur + incr
		return txn.Set(k, []byte(strconv.FormatInt(result, 10)))
	})
	return result, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) deleteMembers(fam byte, key string, members []string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Delete(memberKey(fam, key, m)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) count(fam byte, key string) (int64, error) {
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		return eachMember(txn, fam, key, false, func(string, *badger.Item) error {
			n++
			return nil
		})
	})
	return n, err
}
