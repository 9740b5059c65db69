package encryptor_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulrobotics/rosbag-io/encryptor"
	"github.com/seoulrobotics/rosbag-io/header"
)

func TestNoOpRoundTrips(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chunk")
	require.NoError(t, err)
	defer f.Close()

	plaintext := []byte("hello, chunk")
	_, err = f.WriteAt(plaintext, 0)
	require.NoError(t, err)

	var p encryptor.NoOp
	require.NoError(t, p.Initialize(""))
	assert.Equal(t, "", p.Name())

	size, err := p.EncryptChunk(uint32(len(plaintext)), 0, f)
	require.NoError(t, err)
	assert.EqualValues(t, len(plaintext), size)

	got, err := p.DecryptChunk(0, size, f)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

// xorPlugin is a toy encryptor.Plugin used only to exercise the contract:
// each byte is XORed with a single key byte recorded in the file header.
type xorPlugin struct {
	key byte
}

var _ encryptor.Plugin = (*xorPlugin)(nil)

func (p *xorPlugin) Initialize(param string) error {
	if len(param) == 0 {
		return nil
	}
	p.key = param[0]
	return nil
}

func (p *xorPlugin) EncryptChunk(chunkSize uint32, chunkDataPos int64, file encryptor.ChunkReadWriteSeeker) (uint32, error) {
	buf := make([]byte, chunkSize)
	if _, err := file.ReadAt(buf, chunkDataPos); err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] ^= p.key
	}
	if _, err := file.WriteAt(buf, chunkDataPos); err != nil {
		return 0, err
	}
	return chunkSize, nil
}

func (p *xorPlugin) DecryptChunk(chunkDataPos int64, encryptedSize uint32, file encryptor.ChunkReadWriteSeeker) ([]byte, error) {
	buf := make([]byte, encryptedSize)
	if _, err := file.ReadAt(buf, chunkDataPos); err != nil {
		return nil, err
	}
	for i := range buf {
		buf[i] ^= p.key
	}
	return buf, nil
}

func (p *xorPlugin) AddFieldsToFileHeader(fields *header.Map) {
	fields.Set("xor_key", []byte{p.key})
}

func (p *xorPlugin) ReadFieldsFromFileHeader(fields *header.Map) error {
	v, ok := fields.Get("xor_key")
	if !ok || len(v) != 1 {
		return assertErr("xor_key missing or malformed")
	}
	p.key = v[0]
	return nil
}

// WriteEncryptedHeader XORs every byte with the key; the transform is its
// own inverse and independent of byte position, so it satisfies the
// in-place file-header patching contract.
func (p *xorPlugin) WriteEncryptedHeader(encoded []byte) ([]byte, error) {
	out := make([]byte, len(encoded))
	for i, c := range encoded {
		out[i] = c ^ p.key
	}
	return out, nil
}

// ReadEncryptedHeader implements Plugin: XOR is self-inverse.
func (p *xorPlugin) ReadEncryptedHeader(raw []byte) ([]byte, error) {
	return p.WriteEncryptedHeader(raw)
}

func (p *xorPlugin) Name() string { return "xor" }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestXorPluginEncryptDecryptRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chunk")
	require.NoError(t, err)
	defer f.Close()

	plaintext := []byte("some chunk bytes to protect")
	_, err = f.WriteAt(plaintext, 0)
	require.NoError(t, err)

	p := &xorPlugin{}
	require.NoError(t, p.Initialize("k"))

	size, err := p.EncryptChunk(uint32(len(plaintext)), 0, f)
	require.NoError(t, err)
	require.EqualValues(t, len(plaintext), size)

	onDisk := make([]byte, size)
	_, err = f.ReadAt(onDisk, 0)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, onDisk, "ciphertext should not equal plaintext")

	got, err := p.DecryptChunk(0, size, f)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestXorPluginFileHeaderRoundTrip(t *testing.T) {
	p := &xorPlugin{key: 0x5a}
	fields := header.New()
	p.AddFieldsToFileHeader(fields)

	restored := &xorPlugin{}
	require.NoError(t, restored.ReadFieldsFromFileHeader(fields))
	assert.Equal(t, p.key, restored.key)
}

func TestXorPluginEncryptedHeaderRoundTrip(t *testing.T) {
	p := &xorPlugin{key: 0x37}
	plaintext := []byte("op=\x03index_pos=00000000")

	encrypted, err := p.WriteEncryptedHeader(plaintext)
	require.NoError(t, err)
	require.Len(t, encrypted, len(plaintext))
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := p.ReadEncryptedHeader(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Encrypting just a field-sized slice on its own must reproduce the
	// same bytes as encrypting it in place inside a larger buffer, since
	// patchFileHeader re-encrypts one field at a time.
	field := plaintext[3:11]
	fieldEncrypted, err := p.WriteEncryptedHeader(field)
	require.NoError(t, err)
	assert.Equal(t, encrypted[3:11], fieldEncrypted)
}
