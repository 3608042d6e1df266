package reliability

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fakeObjectStore struct {
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for k, v := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func newTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := t.TempDir() + "/signals.db"
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE signals (id TEXT PRIMARY KEY, symbol TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO signals (id, symbol) VALUES ('sig-1', 'BTCUSDT')`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCreateAndUploadProducesOneCompressedObject(t *testing.T) {
	db, path := newTestDB(t)
	store := newFakeObjectStore()
	svc := NewBackupService(db, path, t.TempDir(), store, zerolog.Nop())

	require.NoError(t, svc.CreateAndUpload(context.Background()))
	require.Len(t, store.objects, 1)

	for key, data := range store.objects {
		require.Contains(t, key, keyPrefix)
		require.True(t, bytes.HasPrefix(data, []byte{0x1f, 0x8b})) // gzip magic
	}
}

func TestListBackupsParsesTimestampsNewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	older := time.Now().Add(-2 * time.Hour).Format(keyTimeLayout)
	newer := time.Now().Format(keyTimeLayout)
	store.objects[keyPrefix+older+".db.gz"] = []byte("a")
	store.objects[keyPrefix+newer+".db.gz"] = []byte("b")

	svc := &BackupService{s3: store, log: zerolog.Nop()}
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	require.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
}

func TestRotateOldBackupsKeepsMinimumRegardlessOfAge(t *testing.T) {
	store := newFakeObjectStore()
	for i := 0; i < 5; i++ {
		ts := time.Now().Add(-time.Duration(i+1) * 30 * 24 * time.Hour).Format(keyTimeLayout)
		store.objects[keyPrefix+ts+".db.gz"] = []byte("x")
	}

	svc := &BackupService{s3: store, log: zerolog.Nop()}
	require.NoError(t, svc.RotateOldBackups(context.Background(), 7))

	require.Len(t, store.objects, minBackupsToKeep)
}

func TestRotateOldBackupsNoopWhenRetentionDisabled(t *testing.T) {
	store := newFakeObjectStore()
	store.objects[keyPrefix+"2020-01-01-000000.db.gz"] = []byte("x")

	svc := &BackupService{s3: store, log: zerolog.Nop()}
	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))
	require.Len(t, store.objects, 1)
}
