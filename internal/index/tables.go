// Package index ties one search index together: the environment, its named
// tables, the field-id map and the settings snapshot.
package index

// Table names of one index environment. Every table maps keys to values in
// lexicographic byte order; see the codec package for key layouts.
const (
	// TableMain holds singletons: FSTs, settings, counters, the documents-ids
	// bitmap.
	// key - name, value - raw bytes
	TableMain = "main"

	// TableDocuments holds full documents.
	// key - docid (u32 BE), value - column record
	TableDocuments = "documents"

	// TableExternalIDs resolves primary-key values.
	// key - external id string, value - docid (u32 BE)
	TableExternalIDs = "external-ids"

	// TableWordDocids is the words-level inverted index.
	// key - word, value - DocidSet
	TableWordDocids = "word-docids"

	// TableExactWordDocids holds postings excluded from typo tolerance.
	// key - word, value - DocidSet
	TableExactWordDocids = "exact-word-docids"

	// TableWordFidDocids supports the attribute rule and attribute filters.
	// key - word 0x00 fid, value - DocidSet
	TableWordFidDocids = "word-fid-docids"

	// TableWordPositionDocids supports proximity and exactness.
	// key - word 0x00 bucketed position, value - DocidSet
	TableWordPositionDocids = "word-position-docids"

	// TableWordPairProximityDocids holds bigram proximities 1..=8.
	// key - distance word1 0x00 word2, value - DocidSet
	TableWordPairProximityDocids = "word-pair-proximity-docids"

	// TableFieldWordCountDocids supports the exact-attribute rule.
	// key - fid (u16 BE) count, value - DocidSet
	TableFieldWordCountDocids = "field-id-word-count-docids"

	// TableFacetF64Docids is the numeric facet level tree.
	// key - fid level bound (ordered f64), value - group size + DocidSet
	TableFacetF64Docids = "facet-id-f64-docids"

	// TableFacetStringDocids is the string facet level tree.
	// key - fid level bound (normalised string), value - group size + DocidSet
	TableFacetStringDocids = "facet-id-string-docids"

	// TableFacetExistsDocids, TableFacetIsNullDocids and
	// TableFacetIsEmptyDocids back the EXISTS / IS NULL / IS EMPTY predicates.
	// key - fid (u16 BE), value - DocidSet
	TableFacetExistsDocids  = "facet-id-exists-docids"
	TableFacetIsNullDocids  = "facet-id-is-null-docids"
	TableFacetIsEmptyDocids = "facet-id-is-empty-docids"

	// TableFieldDocidFacetF64 and TableFieldDocidFacetString are the reverse
	// facet lookups for sort and distinct.
	// key - fid docid value, value - empty
	TableFieldDocidFacetF64    = "field-id-docid-facet-f64"
	TableFieldDocidFacetString = "field-id-docid-facet-string"

	// TableWordPrefixDocids caches the union postings of frequent prefixes.
	// key - prefix, value - DocidSet
	TableWordPrefixDocids = "word-prefix-docids"

	// TableGeoPoints stores one point per geo-faceted document.
	// key - docid (u32 BE), value - lat f64 BE + lng f64 BE
	TableGeoPoints = "geo-points"

	// TableVectors stores embedded vectors.
	// key - docid (u32 BE), value - f32 LE array
	TableVectors = "vectors"
)

// AllTables lists every table of an index environment, in creation order.
var AllTables = []string{
	TableMain,
	TableDocuments,
	TableExternalIDs,
	TableWordDocids,
	TableExactWordDocids,
	TableWordFidDocids,
	TableWordPositionDocids,
	TableWordPairProximityDocids,
	TableFieldWordCountDocids,
	TableFacetF64Docids,
	TableFacetStringDocids,
	TableFacetExistsDocids,
	TableFacetIsNullDocids,
	TableFacetIsEmptyDocids,
	TableFieldDocidFacetF64,
	TableFieldDocidFacetString,
	TableWordPrefixDocids,
	TableGeoPoints,
	TableVectors,
}

// Keys of the main table.
const (
	MainKeyFieldsIDsMap   = "fields-ids-map"
	MainKeySettings       = "settings"
	MainKeyWordsFST       = "words-fst"
	MainKeyWordsPrefixFST = "words-prefix-fst"
	MainKeyDocumentsIDs   = "documents-ids"
	MainKeyGeoFacetedIDs  = "geo-faceted-documents-ids"
	MainKeyPrimaryKey     = "primary-key"
	MainKeyCreatedAt      = "created-at"
	MainKeyUpdatedAt      = "updated-at"
)
