package rtpsource

// H.264 NAL unit types (ITU-T H.264 Table 7-1, RFC 6184 5.2).
const (
	nalTypeIDR = 5
	nalTypeFUA = 28
)

// nalUnit is one NAL unit of an Annex B access unit.
type nalUnit struct {
	Type byte
	Data []byte // including the NAL header, without start code
}

// splitAnnexB splits an Annex B byte stream into NAL units. Both 3-byte and
// 4-byte start codes are recognized.
func splitAnnexB(data []byte) []nalUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []nalUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, nalUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// isKeyframe reports whether an Annex B access unit contains an IDR slice.
func isKeyframe(au []byte) bool {
	for _, u := range splitAnnexB(au) {
		if u.Type == nalTypeIDR {
			return true
		}
	}
	return false
}

// startsNAL reports whether an RTP H.264 payload begins a NAL unit, as
// opposed to continuing a fragmented one.
func startsNAL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] & 0x1F {
	case nalTypeFUA:
		return len(payload) > 1 && payload[1]&0x80 != 0
	case 0, 25, 26, 27, 29, 30, 31:
		return false
	}
	return true
}
