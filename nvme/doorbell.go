package nvme

// Doorbell registers live in a stride-scaled array starting at
// doorbellBase (0x1000): submission tail doorbells at even slots,
// completion head doorbells at odd slots, each (4 << DSTRD) bytes wide.
//
//	SQyTDBL: base + 0x1000 + 2y*(4<<DSTRD)
//	CQyHDBL: base + 0x1000 + (2y+1)*(4<<DSTRD)

func doorbellStrideBytes(dstrd uint32) int { return 4 << dstrd }

func submissionDoorbellOffset(queueID uint16, dstrd uint32) int {
	return doorbellBase + 2*int(queueID)*doorbellStrideBytes(dstrd)
}

func completionDoorbellOffset(queueID uint16, dstrd uint32) int {
	return doorbellBase + (2*int(queueID)+1)*doorbellStrideBytes(dstrd)
}
