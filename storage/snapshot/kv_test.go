package snapshot_test

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/storage/snapshot"
	"github.com/leftmike/mvstore/testutil"
)

const (
	iterateCmd = iota
	getCmd
	updaterCmd
	setCmd
	deleteCmd
	commitCmd
	rollbackCmd
)

type keyVal struct {
	key string
	val string
}

type kvCmd struct {
	fln     testutil.Caller
	cmd     int
	key     string
	val     string
	missing bool
	keyVals []keyVal
}

func fln() testutil.Caller {
	return testutil.Here()
}

var kinds = []string{
	snapshot.BBoltKind,
	snapshot.BadgerKind,
	snapshot.PebbleKind,
	snapshot.FileKind,
}

func openKV(t *testing.T, kind string) (snapshot.KV, string) {
	t.Helper()

	dataDir := filepath.Join("testdata", t.Name())
	err := testutil.CleanDir(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	kv, err := snapshot.OpenKV(kind, dataDir, logger)
	if err != nil {
		t.Fatalf("OpenKV(%s) failed with %s", kind, err)
	}
	return kv, dataDir
}

func runKVTest(t *testing.T, kv snapshot.KV, cmds []kvCmd) {
	t.Helper()

	var updater snapshot.Updater
	for _, cmd := range cmds {
		switch cmd.cmd {
		case iterateCmd:
			keyVals := cmd.keyVals
			it, err := kv.Iterate([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sIterate() failed with %s", cmd.fln, err)
				break
			}

			for {
				err := it.Item(
					func(key, val []byte) error {
						if len(keyVals) == 0 {
							return errors.New("too many key vals")
						}
						if string(key) != keyVals[0].key {
							return fmt.Errorf("key: got %s want %s", string(key), keyVals[0].key)
						}
						if string(val) != keyVals[0].val {
							return fmt.Errorf("val: got %s want %s", string(val), keyVals[0].val)
						}
						keyVals = keyVals[1:]
						return nil
					})
				if err != nil {
					if err != io.EOF {
						t.Errorf("%sIterate() failed with %s", cmd.fln, err)
					}
					break
				}
			}
			if len(keyVals) > 0 {
				t.Errorf("%sIterate() not enough key vals: %d", cmd.fln, len(keyVals))
			}
			it.Close()

		case getCmd:
			var got string
			err := kv.Get([]byte(cmd.key),
				func(val []byte) error {
					got = string(val)
					return nil
				})
			if cmd.missing {
				if err != io.EOF {
					t.Errorf("%sGet(%s) got %v want io.EOF", cmd.fln, cmd.key, err)
				}
			} else if err != nil {
				t.Errorf("%sGet(%s) failed with %s", cmd.fln, cmd.key, err)
			} else if got != cmd.val {
				t.Errorf("%sGet(%s) got %s want %s", cmd.fln, cmd.key, got, cmd.val)
			}

		case updaterCmd:
			if updater != nil {
				panic("updater: updater is not nil")
			}

			var err error
			updater, err = kv.Updater()
			if err != nil {
				t.Fatalf("%sUpdater() failed with %s", cmd.fln, err)
			}

		case setCmd:
			err := updater.Set([]byte(cmd.key), []byte(cmd.val))
			if err != nil {
				t.Errorf("%sSet() failed with %s", cmd.fln, err)
			}

		case deleteCmd:
			err := updater.Delete([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sDelete() failed with %s", cmd.fln, err)
			}

		case commitCmd:
			err := updater.Commit(true)
			if err != nil {
				t.Errorf("%sCommit() failed with %s", cmd.fln, err)
			}
			updater = nil

		case rollbackCmd:
			updater.Rollback()
			updater = nil

		default:
			panic(fmt.Sprintf("unexpected command: %d", cmd.cmd))
		}
	}
}

func TestKV(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			kv, _ := openKV(t, kind)
			defer kv.Close()

			runKVTest(t, kv,
				[]kvCmd{
					{fln: fln(), cmd: iterateCmd, key: "A"},
					{fln: fln(), cmd: getCmd, key: "Aaaa", missing: true},
					{fln: fln(), cmd: updaterCmd},
					{fln: fln(), cmd: setCmd, key: "Aaaa", val: "aaa@2"},
					{fln: fln(), cmd: setCmd, key: "Accc", val: "ccc@2"},
					{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@2"},
					{fln: fln(), cmd: setCmd, key: "Bzzz", val: "zzz@2"},
					{fln: fln(), cmd: commitCmd},

					{fln: fln(), cmd: iterateCmd, key: "A",
						keyVals: []keyVal{
							{"Aaaa", "aaa@2"},
							{"Abbb", "bbb@2"},
							{"Accc", "ccc@2"},
						},
					},
					{fln: fln(), cmd: getCmd, key: "Bzzz", val: "zzz@2"},

					{fln: fln(), cmd: updaterCmd},
					{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@3"},
					{fln: fln(), cmd: setCmd, key: "Addd", val: "ddd@3"},
					{fln: fln(), cmd: deleteCmd, key: "Aaaa"},
					{fln: fln(), cmd: commitCmd},

					{fln: fln(), cmd: iterateCmd, key: "A",
						keyVals: []keyVal{
							{"Abbb", "bbb@3"},
							{"Accc", "ccc@2"},
							{"Addd", "ddd@3"},
						},
					},

					{fln: fln(), cmd: updaterCmd},
					{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@4"},
					{fln: fln(), cmd: rollbackCmd},

					{fln: fln(), cmd: iterateCmd, key: "A",
						keyVals: []keyVal{
							{"Abbb", "bbb@3"},
							{"Accc", "ccc@2"},
							{"Addd", "ddd@3"},
						},
					},
					{fln: fln(), cmd: iterateCmd, key: "B",
						keyVals: []keyVal{
							{"Bzzz", "zzz@2"},
						},
					},
				})
		})
	}
}
