package source

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var yearPattern = regexp.MustCompile(`\b(19[0-9]{2}|20[0-9]{2})\b`)

// plainText strips markup from an html fragment and collapses whitespace
func plainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// pickYear returns the first plausible year in s, 0 if there is none
func pickYear(s string) int16 {
	m := yearPattern.FindString(s)
	if m == "" {
		return 0
	}
	y, err := strconv.ParseInt(m, 10, 16)
	if err != nil {
		return 0
	}
	return int16(y)
}

var areas = []string{
	"国家", "北京", "天津", "上海", "重庆", "河北", "山西", "辽宁", "吉林", "黑龙江",
	"江苏", "浙江", "安徽", "福建", "江西", "山东", "河南", "湖北", "湖南", "广东",
	"海南", "四川", "贵州", "云南", "陕西", "甘肃", "青海", "内蒙古", "广西", "西藏",
	"宁夏", "新疆",
}

// pickArea returns the region a paper title refers to, "" if none
func pickArea(title string) string {
	best, at := "", -1
	for _, a := range areas {
		if i := strings.Index(title, a); i >= 0 && (at < 0 || i < at) {
			best, at = a, i
		}
	}
	return best
}
