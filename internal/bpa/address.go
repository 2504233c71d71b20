package bpa

import (
	"bpa-go/internal/digest"
	"bpa-go/internal/model"
)

// Address computes the content addresses for a parsed document and builds the
// rows to persist. Rows follow the entry order of set.
func Address(doc model.RawDocument, set *model.AssignmentSet) *model.DigestedDocument {
	fileDigest := digest.File(doc.Content)
	fileHex := fileDigest.Hex()

	entries := set.Entries.All()
	rows := make([]model.AssignmentRow, 0, len(entries))
	for _, a := range entries {
		rows = append(rows, model.AssignmentRow{
			Digest:             digest.Assignment(fileDigest, a.RawLine).Hex(),
			Published:          set.Published,
			Fingerprint:        a.Fingerprint,
			DistributionMethod: a.DistributionMethod,
			Transport:          a.Transport,
			IP:                 a.IP,
			Blocklist:          a.Blocklist,
			FileDigest:         fileHex,
			Distributed:        a.Distributed,
			State:              a.State,
			Bandwidth:          a.Bandwidth,
			Ratio:              a.Ratio,
		})
	}

	return &model.DigestedDocument{
		Document: doc,
		Set:      set,
		File: model.FileRecord{
			Digest:    fileHex,
			Published: set.Published,
			Header:    set.Header,
		},
		Rows: rows,
	}
}
