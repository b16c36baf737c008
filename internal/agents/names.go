package agents

import "hash/fnv"

// workerNames is the pool of station-inspired names given to researcher workers in
// progress updates. The list is fixed so a run id and subtask always map to the same name.
var workerNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Kottoi", "Taisho", "Yumoto",
	"Harajuku", "Shibuya", "Odawara", "Enoshima", "Ogikubo",
	"Ichigaya", "Komazawa", "Shinjuku", "Wakkanai", "Todoroki",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Tama", "Musashi", "Omiya", "Urawa", "Kawagoe",
}

// WorkerName returns a deterministic display name for the researcher handling subtaskID in runID.
func WorkerName(runID string, subtaskID int) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	idx := (int(h.Sum32()%uint32(len(workerNames))) + subtaskID) % len(workerNames)
	if idx < 0 {
		idx += len(workerNames)
	}
	return workerNames[idx]
}
