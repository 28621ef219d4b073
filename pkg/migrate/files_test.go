package migrate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Add seat quota":          "add_seat_quota",
		"  licenses--index!! ":    "licenses_index",
		"payment_transactions v2": "payment_transactions_v2",
		"***":                     "",
	}
	for in, want := range cases {
		require.Equal(t, want, Slug(in), in)
	}
}

func TestCreateWritesValidMigration(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, time.April, 1, 12, 30, 0, 0, time.UTC)

	path, err := createAt(dir, "Add renewal index", at)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20260401123000_add_renewal_index.sql"), path)
	require.NoError(t, ValidateDir(dir))

	_, err = createAt(dir, "add renewal index", at)
	require.Error(t, err, "same version and name must not overwrite")

	_, err = createAt(dir, "!!!", at)
	require.Error(t, err)
}

func TestValidateDirRejects(t *testing.T) {
	valid := annotationUp + "\n" + annotationBegin + "\nSELECT 1;\n" + annotationEnd + "\n" +
		annotationDown + "\n" + annotationBegin + "\nSELECT 1;\n" + annotationEnd + "\n"

	cases := []struct {
		name  string
		files map[string]string
	}{
		{"bad filename", map[string]string{"001_init.sql": valid}},
		{"not a timestamp", map[string]string{"20261399000000_init.sql": valid}},
		{"duplicate version", map[string]string{
			"20260101000000_a.sql": valid,
			"20260101000000_b.sql": valid,
		}},
		{"missing down", map[string]string{"20260101000000_a.sql": annotationUp + "\nSELECT 1;\n"}},
		{"down before up", map[string]string{"20260101000000_a.sql": annotationDown + "\n" + annotationUp + "\n"}},
		{"unterminated block", map[string]string{"20260101000000_a.sql": annotationUp + "\n" + annotationBegin + "\n" + annotationDown + "\n"}},
		{"stray end", map[string]string{"20260101000000_a.sql": annotationUp + "\n" + annotationEnd + "\n" + annotationDown + "\n"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tc.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
			}
			require.Error(t, ValidateDir(dir))
		})
	}
}

func TestValidateDirIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "seed"), 0o755))
	require.NoError(t, ValidateDir(dir))
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("20260301090000")
	require.NoError(t, err)
	require.EqualValues(t, 20260301090000, v)

	for _, raw := range []string{"", "2026", "2026030109000x", "-0260301090000"} {
		_, err := ParseVersion(raw)
		require.Error(t, err, raw)
	}
}
