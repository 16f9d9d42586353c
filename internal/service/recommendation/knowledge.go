package recommendation

import (
	"context"
	"strings"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// SourceKnowledgeBase marks advice taken from the static tables.
const SourceKnowledgeBase = "knowledge_base"

type family struct {
	stem       string
	principles []string
	formula    string
	acupoints  []string
	lifestyle  []string
	diet       []string
}

// families are matched in order against the pattern name, so a compound
// pattern such as 肝郁气滞 resolves to the 气滞 family.
var families = []family{
	{
		stem:       "气虚",
		principles: []string{"补气", "健脾", "益肺"},
		formula:    "四君子汤",
		acupoints:  []string{"气海", "关元", "足三里", "脾俞"},
		lifestyle:  []string{"适当运动", "规律作息", "避免过劳", "饮食清淡"},
		diet:       []string{"山药", "大枣", "小米粥"},
	},
	{
		stem:       "血虚",
		principles: []string{"补血", "养心", "安神"},
		formula:    "四物汤",
		acupoints:  []string{"血海", "三阴交", "心俞", "肝俞"},
		lifestyle:  []string{"充足睡眠", "营养均衡", "避免熬夜", "适量运动"},
		diet:       []string{"红枣", "桂圆", "猪肝"},
	},
	{
		stem:       "阴虚",
		principles: []string{"滋阴", "润燥", "清热"},
		formula:    "六味地黄丸",
		acupoints:  []string{"太溪", "照海", "肾俞", "太冲"},
		lifestyle:  []string{"避免辛辣", "多饮水", "保持心情舒畅", "避免过度劳累"},
		diet:       []string{"银耳", "百合", "梨"},
	},
	{
		stem:       "阳虚",
		principles: []string{"温阳", "补肾", "健脾"},
		formula:    "金匮肾气丸",
		acupoints:  []string{"命门", "肾俞", "关元", "神阙"},
		lifestyle:  []string{"保暖防寒", "温热饮食", "适度运动", "早睡早起"},
		diet:       []string{"羊肉", "生姜", "韭菜"},
	},
	{
		stem:       "气滞",
		principles: []string{"理气", "疏肝", "解郁"},
		formula:    "逍遥散",
		acupoints:  []string{"太冲", "期门", "膻中", "内关"},
		lifestyle:  []string{"保持心情舒畅", "适当运动", "避免情绪激动", "规律作息"},
		diet:       []string{"玫瑰花茶", "陈皮", "佛手"},
	},
	{
		stem:       "血瘀",
		principles: []string{"活血", "化瘀", "通络"},
		formula:    "血府逐瘀汤",
		acupoints:  []string{"血海", "膈俞", "三阴交", "合谷"},
		lifestyle:  []string{"适当运动", "避免久坐", "保持心情愉快", "饮食清淡"},
		diet:       []string{"山楂", "黑木耳", "红糖"},
	},
	{
		stem:       "痰湿",
		principles: []string{"化痰", "燥湿", "健脾"},
		formula:    "二陈汤",
		acupoints:  []string{"丰隆", "阴陵泉", "脾俞", "中脘"},
		lifestyle:  []string{"控制体重", "清淡饮食", "适量运动", "避免油腻"},
		diet:       []string{"薏苡仁", "赤小豆", "冬瓜"},
	},
}

var generalLifestyle = []string{"规律作息", "饮食有节", "适度运动", "调畅情志"}

// KnowledgeBase answers from static treatment tables.
type KnowledgeBase struct{}

// NewKnowledgeBase returns the table-backed bridge.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{}
}

func lookup(pattern string) (family, bool) {
	for _, f := range families {
		if strings.Contains(pattern, f.stem) {
			return f, true
		}
	}
	return family{}, false
}

// Recommend builds advice from the primary pattern's family, adding the
// first two principles and acupoints of each secondary pattern's family.
func (kb *KnowledgeBase) Recommend(_ context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.PrimaryPattern) == "" {
		return Response{}, diagnosis.Errorf(diagnosis.KindInvalidArgument, "primary pattern is required")
	}

	resp := Response{
		SessionID:  req.SessionID,
		Source:     SourceKnowledgeBase,
		Disclaimer: disclaimer,
	}
	principles := newOrderedSet()
	acupoints := newOrderedSet()
	lifestyle := newOrderedSet()
	diet := newOrderedSet()

	if f, ok := lookup(req.PrimaryPattern); ok {
		principles.add(f.principles...)
		acupoints.add(f.acupoints...)
		lifestyle.add(f.lifestyle...)
		diet.add(f.diet...)
		resp.HerbalFormula = f.formula
	} else {
		lifestyle.add(generalLifestyle...)
	}

	for _, name := range req.SecondaryPatterns {
		f, ok := lookup(name)
		if !ok {
			continue
		}
		principles.add(head(f.principles, 2)...)
		acupoints.add(head(f.acupoints, 2)...)
	}

	resp.TreatmentPrinciples = principles.items
	resp.Acupoints = acupoints.items
	resp.Lifestyle = lifestyle.items
	resp.Diet = diet.items
	return resp, nil
}

func head(items []string, n int) []string {
	if len(items) < n {
		return items
	}
	return items[:n]
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (s *orderedSet) add(items ...string) {
	for _, it := range items {
		if s.seen[it] {
			continue
		}
		s.seen[it] = true
		s.items = append(s.items, it)
	}
}
