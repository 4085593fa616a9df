package store

import (
	"math"
	"os"
	"testing"
)

func unitVector(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func rampVector() []float32 {
	v := make([]float32, EmbeddingDims)
	for i := range v {
		v[i] = float32(i) / float32(EmbeddingDims)
	}
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/faces.db"
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	s := newTestStore(t)

	t.Run("InsertAndGallery", func(t *testing.T) {
		id, err := s.Insert("alice", "default", unitVector(EmbeddingDims, 0), 0.9, "v1")
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		gallery, err := s.Gallery("alice")
		if err != nil {
			t.Fatalf("Gallery: %v", err)
		}
		if len(gallery) != 1 || gallery[0].ID != id {
			t.Fatalf("expected one row with id %s, got %+v", id, gallery)
		}
	})

	t.Run("EmptyGalleryNotError", func(t *testing.T) {
		gallery, err := s.Gallery("nobody")
		if err != nil {
			t.Fatalf("Gallery: %v", err)
		}
		if len(gallery) != 0 {
			t.Fatalf("expected empty gallery, got %d rows", len(gallery))
		}
	})

	t.Run("List", func(t *testing.T) {
		list, err := s.List("alice")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(list))
		}
	})

	t.Run("CrossUserIsolation", func(t *testing.T) {
		id, err := s.Insert("bob", "default", unitVector(EmbeddingDims, 1), 0.8, "v1")
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}

		aliceGallery, _ := s.Gallery("alice")
		for _, m := range aliceGallery {
			if m.ID == id {
				t.Fatalf("bob's model visible in alice's gallery")
			}
		}

		bobList, _ := s.List("bob")
		for _, m := range bobList {
			if m.Label == "default" && m.ID != id {
				t.Fatalf("unexpected model in bob's list")
			}
		}

		deleted, err := s.Remove("alice", id)
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if deleted {
			t.Fatalf("alice should not be able to remove bob's model")
		}
	})

	t.Run("RemoveOwnModel", func(t *testing.T) {
		id, err := s.Insert("carol", "default", unitVector(EmbeddingDims, 2), 0.7, "v1")
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		deleted, err := s.Remove("carol", id)
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if !deleted {
			t.Fatalf("expected deletion to succeed")
		}
	})

	t.Run("RejectNonFiniteEmbedding", func(t *testing.T) {
		bad := unitVector(EmbeddingDims, 0)
		bad[10] = float32(math.NaN())
		if _, err := s.Insert("dave", "default", bad, 0.5, "v1"); err == nil {
			t.Fatal("expected error for non-finite embedding")
		}

		bad2 := unitVector(EmbeddingDims, 0)
		bad2[10] = float32(math.Inf(1))
		if _, err := s.Insert("dave", "default", bad2, 0.5, "v1"); err == nil {
			t.Fatal("expected error for infinite embedding")
		}
	})

	t.Run("RejectWrongLength", func(t *testing.T) {
		if _, err := s.Insert("dave", "default", []float32{1, 2, 3}, 0.5, "v1"); err == nil {
			t.Fatal("expected error for wrong-length embedding")
		}
	})
}

func TestEmbeddingRoundtrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcde"))

	v := rampVector()
	blob1, err := encrypt(key, v)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob2, err := encrypt(key, v)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if string(blob1) == string(blob2) {
		t.Fatal("expected different ciphertext for fresh nonces")
	}

	got1, err := decrypt(key, blob1)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	got2, err := decrypt(key, blob2)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	for i := range v {
		if got1[i] != v[i] || got2[i] != v[i] {
			t.Fatalf("roundtrip mismatch at index %d: want %v got %v/%v", i, v[i], got1[i], got2[i])
		}
	}
}

func TestWrongKeyFails(t *testing.T) {
	var key1, key2 [32]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcde"))
	copy(key2[:], []byte("fedcba9876543210fedcba9876543210"))

	blob, err := encrypt(key1, rampVector())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := decrypt(key2, blob); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestLegacyPlaintextBlob(t *testing.T) {
	var key [32]byte
	v := rampVector()
	plain := make([]byte, plainBlobSize)
	for i, f := range v {
		bits := math.Float32bits(f)
		plain[i*4] = byte(bits)
		plain[i*4+1] = byte(bits >> 8)
		plain[i*4+2] = byte(bits >> 16)
		plain[i*4+3] = byte(bits >> 24)
	}

	got, err := decrypt(key, plain)
	if err != nil {
		t.Fatalf("decrypt legacy blob: %v", err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("legacy blob mismatch at %d: want %v got %v", i, v[i], got[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name      string
		a, b      []float32
		expected  float64
		tolerance float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0, 0.001},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0, 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if diff := math.Abs(got - tt.expected); diff > tt.tolerance {
				t.Errorf("expected %.3f, got %.3f (diff %.3f)", tt.expected, got, diff)
			}
		})
	}
}

func TestKeyFileLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	keyPath := dir + "/.key"

	k1, err := loadOrCreateKey(keyPath)
	if err != nil {
		t.Fatalf("loadOrCreateKey: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	k2, err := loadOrCreateKey(keyPath)
	if err != nil {
		t.Fatalf("second loadOrCreateKey: %v", err)
	}
	if k1 != k2 {
		t.Fatal("expected the same key to be reloaded")
	}
}
