package patch

// Summary is a display-oriented digest of a File.
type Summary struct {
	Format       string         `json:"format"`
	PatchID      string         `json:"patch_id"`
	PatchBytes   int            `json:"patch_bytes"`
	Records      int            `json:"records"`
	Kinds        map[string]int `json:"kinds"`
	PayloadBytes uint64         `json:"payload_bytes"`
	WriteBytes   uint64         `json:"write_bytes"`
	SourceSize   *uint64        `json:"source_size,omitempty"`
	TargetSize   *uint64        `json:"target_size,omitempty"`
	SourceCRC32  *uint32        `json:"source_crc32,omitempty"`
	TargetCRC32  *uint32        `json:"target_crc32,omitempty"`
	PatchCRC32   *uint32        `json:"patch_crc32,omitempty"`
	Metadata     string         `json:"metadata,omitempty"`
}

// Summarize counts records by kind and totals their payload and output bytes.
func (f *File) Summarize() Summary {
	s := Summary{
		Format:      f.Format.String(),
		PatchID:     f.ID,
		PatchBytes:  f.Size,
		Records:     len(f.Records),
		Kinds:       make(map[string]int),
		SourceSize:  f.SourceSize,
		TargetSize:  f.TargetSize,
		SourceCRC32: f.SourceChecksum,
		TargetCRC32: f.TargetChecksum,
		PatchCRC32:  f.PatchChecksum,
		Metadata:    string(f.Metadata),
	}
	for _, rec := range f.Records {
		s.Kinds[rec.Kind.String()]++
		s.PayloadBytes += uint64(len(rec.Payload))
		s.WriteBytes += rec.Extent()
	}
	return s
}
