package credit

import "testing"

func TestDefaultCostTablePricing(test *testing.T) {
	test.Parallel()
	table := DefaultCostTable()
	expectations := map[OperationKind]CreditAmount{
		KindImageGeneration:  5,
		KindImageEnhancement: 3,
		KindVideoProcessing:  10,
		KindAudioEnhancement: 2,
		KindCodeGeneration:   1,
	}
	for kind, expected := range expectations {
		if cost := table.Cost(kind); cost != expected {
			test.Fatalf("cost(%s) = %d, expected %d", kind, cost, expected)
		}
	}
}

func TestUnknownKindBillsDefaultRate(test *testing.T) {
	test.Parallel()
	table := DefaultCostTable()
	if cost := table.Cost(OperationKind("hologram_rendering")); cost != 1 {
		test.Fatalf("unknown kind should cost 1, got %d", cost)
	}
}

func TestCostLookupIsPure(test *testing.T) {
	test.Parallel()
	table := DefaultCostTable()
	first := table.Cost(KindVideoProcessing)
	for repeat := 0; repeat < 5; repeat++ {
		if table.Cost(KindVideoProcessing) != first {
			test.Fatalf("cost lookup is not deterministic")
		}
	}
}
