package domain

import "fmt"

// tileLabels is the class vocabulary of the tile model, indexed by class id.
var tileLabels = [...]string{
	"一饼", "二饼", "三饼", "四饼", "五饼", "六饼", "七饼", "八饼", "九饼",
	"一条", "二条", "三条", "四条", "五条", "六条", "七条", "八条", "九条",
	"一万", "二万", "三万", "四万", "五万", "六万", "七万", "八万", "九万",
	"东风", "南风", "西风", "北风", "红中", "发财", "白板",
}

// VocabularySize is the number of classes the model knows.
const VocabularySize = len(tileLabels)

// Label resolves a class id; ids outside the table get a synthetic label.
func Label(classID int) string {
	if classID < 0 || classID >= VocabularySize {
		return fmt.Sprintf("unknown_class_%d", classID)
	}
	return tileLabels[classID]
}
