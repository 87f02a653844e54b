// Package apps 维护智能体支持直接启动的应用列表。
package apps

import (
	stdErrors "errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "PhoneAgent-Web/internal/errors"
)

// App 描述一个可识别的应用。
type App struct {
	Name    string   `yaml:"name" json:"name"`
	Package string   `yaml:"package" json:"package,omitempty"`
	Bundle  string   `yaml:"bundle" json:"bundle,omitempty"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
}

type document struct {
	Apps []App `yaml:"apps"`
}

// Catalogue 是只读的应用目录。
type Catalogue struct {
	apps      []App
	byPackage map[string]string
}

// Default 返回内置目录。
func Default() *Catalogue {
	return newCatalogue(builtin)
}

// Load 从 YAML 文件加载目录；path 为空或文件不存在时返回内置目录。
func Load(path string) (*Catalogue, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取应用目录失败")
	}
	return Parse(data)
}

// Parse 解析 YAML 内容。
func Parse(data []byte) (*Catalogue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "应用目录格式错误")
	}
	for i, app := range doc.Apps {
		if strings.TrimSpace(app.Name) == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "应用目录第 "+strconv.Itoa(i+1)+" 项缺少 name")
		}
	}
	return newCatalogue(doc.Apps), nil
}

func newCatalogue(list []App) *Catalogue {
	c := &Catalogue{
		apps:      make([]App, 0, len(list)),
		byPackage: make(map[string]string, len(list)*2),
	}
	seen := make(map[string]struct{}, len(list))
	for _, app := range list {
		app.Name = strings.TrimSpace(app.Name)
		if _, dup := seen[app.Name]; dup {
			continue
		}
		seen[app.Name] = struct{}{}
		c.apps = append(c.apps, app)
		if app.Package != "" {
			c.byPackage[app.Package] = app.Name
		}
		if app.Bundle != "" {
			c.byPackage[app.Bundle] = app.Name
		}
	}
	sort.SliceStable(c.apps, func(i, j int) bool { return c.apps[i].Name < c.apps[j].Name })
	return c
}

// Names 返回全部应用名称。
func (c *Catalogue) Names() []string {
	names := make([]string, len(c.apps))
	for i, app := range c.apps {
		names[i] = app.Name
	}
	return names
}

// Apps 返回目录条目副本。
func (c *Catalogue) Apps() []App {
	out := make([]App, len(c.apps))
	copy(out, c.apps)
	return out
}

// NameOf 根据包名或 bundle 名查找应用名称。
func (c *Catalogue) NameOf(pkg string) (string, bool) {
	name, ok := c.byPackage[strings.TrimSpace(pkg)]
	return name, ok
}

// Lookup 根据名称或别名查找应用，忽略大小写。
func (c *Catalogue) Lookup(name string) (App, bool) {
	name = strings.TrimSpace(name)
	for _, app := range c.apps {
		if strings.EqualFold(app.Name, name) {
			return app, true
		}
		for _, alias := range app.Aliases {
			if strings.EqualFold(alias, name) {
				return app, true
			}
		}
	}
	return App{}, false
}

var builtin = []App{
	{Name: "微信", Package: "com.tencent.mm", Aliases: []string{"WeChat"}},
	{Name: "QQ", Package: "com.tencent.mobileqq"},
	{Name: "微博", Package: "com.sina.weibo", Aliases: []string{"Weibo"}},
	{Name: "淘宝", Package: "com.taobao.taobao", Aliases: []string{"Taobao"}},
	{Name: "京东", Package: "com.jingdong.app.mall", Aliases: []string{"JD"}},
	{Name: "拼多多", Package: "com.xunmeng.pinduoduo", Aliases: []string{"Pinduoduo"}},
	{Name: "美团", Package: "com.sankuai.meituan", Aliases: []string{"Meituan"}},
	{Name: "饿了么", Package: "me.ele", Aliases: []string{"Eleme"}},
	{Name: "小红书", Package: "com.xingin.xhs", Aliases: []string{"Xiaohongshu", "RedNote"}},
	{Name: "抖音", Package: "com.ss.android.ugc.aweme", Aliases: []string{"Douyin"}},
	{Name: "快手", Package: "com.smile.gifmaker", Aliases: []string{"Kuaishou"}},
	{Name: "哔哩哔哩", Package: "tv.danmaku.bili", Aliases: []string{"bilibili"}},
	{Name: "知乎", Package: "com.zhihu.android", Aliases: []string{"Zhihu"}},
	{Name: "高德地图", Package: "com.autonavi.minimap", Aliases: []string{"Amap"}},
	{Name: "百度地图", Package: "com.baidu.BaiduMap"},
	{Name: "支付宝", Package: "com.eg.android.AlipayGphone", Aliases: []string{"Alipay"}},
	{Name: "大众点评", Package: "com.dianping.v1", Aliases: []string{"Dianping"}},
	{Name: "携程", Package: "ctrip.android.view", Aliases: []string{"Ctrip"}},
	{Name: "12306", Package: "com.MobileTicket"},
	{Name: "网易云音乐", Package: "com.netease.cloudmusic", Aliases: []string{"NetEase Music"}},
	{Name: "Chrome", Package: "com.android.chrome"},
	{Name: "Settings", Package: "com.android.settings", Bundle: "com.huawei.hmos.settings", Aliases: []string{"设置"}},
	{Name: "Camera", Package: "com.android.camera", Bundle: "com.huawei.hmos.camera", Aliases: []string{"相机"}},
	{Name: "Clock", Package: "com.android.deskclock", Aliases: []string{"时钟"}},
}
