/*
vendor.go - Vendor-name helpers: initials, legal-form stripping, fiscal year

The invoice file counter is bucketed per vendor initial (SEQ_INV_FILE_A,
SEQ_INV_FILE_K, ...). Vendor names arrive in kanji or kana, so the
initial is guessed from the first character of the name after removing
the legal-entity prefix. Unknown characters yield "" and the allocator
falls back to its shared bucket.
*/
package estimating

import (
	"strings"
	"time"
)

// legalForms are stripped from the head of a company name before
// guessing the initial.
var legalForms = []string{"株式会社", "有限会社", "合同会社", "（株）", "(株)"}

// kanjiInitials maps a name's leading character to a romaji initial.
// Kana and full-width latin are folded in as well.
var kanjiInitials = map[rune]string{
	'阿': "A", '安': "A", '青': "A", '赤': "A", '秋': "A", '朝': "A", '浅': "A", '荒': "A", '有': "A", '新': "A", '相': "A", '足': "A", '綾': "A", '粟': "A",
	'飯': "I", '池': "I", '石': "I", '泉': "I", '井': "I", '伊': "I", '磯': "I", '一': "I", '稲': "I", '今': "I", '岩': "I",
	'上': "U", '内': "U", '宇': "U", '梅': "U", '浦': "U",
	'遠': "E", '江': "E", '榎': "E", '栄': "S",
	'大': "O", '岡': "O", '奥': "O", '小': "O", '尾': "O", '荻': "O",
	'加': "K", '柿': "K", '角': "K", '笠': "K", '片': "K", '金': "K", '鎌': "K", '亀': "K", '川': "K", '河': "K", '神': "K", '菊': "K", '岸': "K", '北': "K", '木': "K", '久': "K", '国': "K", '熊': "K", '栗': "K", '黒': "K", '桑': "K", '古': "K",
	'後': "G", '五': "G",
	'佐': "S", '斉': "S", '斎': "S", '坂': "S", '桜': "S", '笹': "S", '沢': "S", '澤': "S", '塩': "S", '柴': "S", '島': "S", '嶋': "S", '清': "S", '白': "S", '進': "S", '杉': "S", '鈴': "S", '須': "S", '関': "S", '瀬': "S",
	'高': "T", '竹': "T", '田': "T", '谷': "T", '丹': "T", '千': "T", '塚': "T", '土': "T", '鶴': "T", '寺': "T", '天': "T", '東': "T", '徳': "T", '富': "T", '豊': "T",
	'中': "N", '永': "N", '長': "N", '西': "N", '二': "N", '野': "N", '能': "N",
	'橋': "H", '畑': "H", '浜': "H", '濱': "H", '林': "H", '原': "H", '春': "H", '樋': "H", '平': "H", '広': "H", '廣': "H", '蜂': "H", '羽': "H", '花': "H",
	'福': "F", '藤': "F", '船': "F",
	'前': "M", '牧': "M", '松': "M", '丸': "M", '三': "M", '水': "M", '溝': "M", '南': "M", '宮': "M", '村': "M", '森': "M", '諸': "M",
	'八': "Y", '山': "Y", '矢': "Y", '柳': "Y", '横': "Y", '吉': "Y", '米': "Y",
	'若': "W", '渡': "W", '和': "W",
	'利': "R", '陸': "R", '龍': "R", '竜': "R",
}

// GuessInitial returns the romaji initial for a vendor name, or "" when
// the leading character is not mapped.
func GuessInitial(name string) string {
	cleaned := strings.TrimSpace(name)
	for _, form := range legalForms {
		if strings.HasPrefix(cleaned, form) {
			cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, form))
			break
		}
	}
	if cleaned == "" {
		return ""
	}
	r := []rune(cleaned)[0]
	if v, ok := kanjiInitials[r]; ok {
		return v
	}
	switch {
	case r >= 'A' && r <= 'Z':
		return string(r)
	case r >= 'a' && r <= 'z':
		return strings.ToUpper(string(r))
	case r >= 'Ａ' && r <= 'Ｚ':
		return string(rune(r - 'Ａ' + 'A'))
	}
	if v, ok := kanaInitial(r); ok {
		return v
	}
	return ""
}

// kanaInitial folds hiragana and katakana to their romaji row initial.
func kanaInitial(r rune) (string, bool) {
	// katakana to hiragana
	if r >= 'ァ' && r <= 'ヶ' {
		r = r - 'ァ' + 'ぁ'
	}
	rows := []struct {
		from, to rune
		initial  string
	}{
		{'あ', 'お', ""}, // vowels handled individually below
		{'か', 'ご', "K"},
		{'さ', 'ぞ', "S"},
		{'た', 'ど', "T"},
		{'な', 'の', "N"},
		{'は', 'ぽ', "H"},
		{'ま', 'も', "M"},
		{'や', 'よ', "Y"},
		{'ら', 'ろ', "R"},
		{'わ', 'ん', "W"},
	}
	switch r {
	case 'あ', 'ぁ':
		return "A", true
	case 'い', 'ぃ':
		return "I", true
	case 'う', 'ぅ':
		return "U", true
	case 'え', 'ぇ':
		return "E", true
	case 'お', 'ぉ':
		return "O", true
	case 'ふ':
		return "F", true
	}
	for _, row := range rows[1:] {
		if r >= row.from && r <= row.to {
			return row.initial, true
		}
	}
	return "", false
}

// StripLegalForm removes legal-entity markers anywhere in a company name,
// used when joining vendor names for display.
func StripLegalForm(name string) string {
	out := name
	for _, form := range []string{"株式会社", "有限会社", "合同会社"} {
		out = strings.ReplaceAll(out, form, "")
	}
	return strings.TrimSpace(out)
}

// FiscalYear returns the Japanese fiscal year (April start) containing t:
// April through December belong to the calendar year, January through
// March to the previous one.
func FiscalYear(t time.Time) int {
	if t.Month() >= time.April {
		return t.Year()
	}
	return t.Year() - 1
}
