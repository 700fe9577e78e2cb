package journal

import (
	"testing"

	"txrepo/testutil"
)

func TestJournalUsesBlobFacade(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ModuleImportOutside("txrepo",
		"txrepo/internal/blob",
		"txrepo/internal/infra/persistence/memory",
		"txrepo/pkg/domain",
		"txrepo/pkg/logger",
	), "journal must reach blob backends through internal/blob")
}
